// Package assets provides embedded example pipeline definitions.
package assets

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed pipelines/*.yaml
var pipelinesFS embed.FS

// LoadPipeline returns the content of a pipeline YAML by name.
// Override lookup order: project .promptchain/pipelines/ >
// user ~/.promptchain/pipelines/ > embedded.
func LoadPipeline(name string) ([]byte, error) {
	filename := name + ".yaml"

	projectPath := filepath.Join(".promptchain", "pipelines", filename)
	if data, err := os.ReadFile(projectPath); err == nil {
		return data, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".promptchain", "pipelines", filename)
		if data, err := os.ReadFile(userPath); err == nil {
			return data, nil
		}
	}

	data, err := pipelinesFS.ReadFile("pipelines/" + filename)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q not found", name)
	}
	return data, nil
}

// ListPipelines returns the names of all embedded example pipelines.
func ListPipelines() ([]string, error) {
	entries, err := fs.ReadDir(pipelinesFS, "pipelines")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".yaml" {
			continue
		}
		names = append(names, name[:len(name)-len(".yaml")])
	}
	return names, nil
}
