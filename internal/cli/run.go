package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yogeelabs/promptchain/internal/assets"
	"github.com/yogeelabs/promptchain/internal/config"
	"github.com/yogeelabs/promptchain/internal/engine"
	vlog "github.com/yogeelabs/promptchain/internal/log"
	"github.com/yogeelabs/promptchain/internal/pipeline"
	"github.com/yogeelabs/promptchain/internal/provider"
)

// runCmd owns its own flag parsing: any --name not in the known set is a
// user parameter bound into the template context.
var runCmd = &cobra.Command{
	Use:                "run --pipeline <path> [flags] [--<param> <value> ...]",
	Short:              "Run a pipeline",
	DisableFlagParsing: true,
	SilenceUsage:       true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, args)
	},
}

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List embedded example pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := assets.ListPipelines()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

// runArgs holds the parsed run-command inputs.
type runArgs struct {
	pipelinePath string
	opts         engine.Options
	params       map[string]any
}

// parseRunArgs splits known flags from user parameters. Both
// "--name value" and "--name=value" forms are accepted.
func parseRunArgs(args []string) (*runArgs, error) {
	parsed := &runArgs{params: map[string]any{}}

	idx := 0
	next := func(flag string) (string, error) {
		if idx+1 >= len(args) {
			return "", fmt.Errorf("missing value for %s", flag)
		}
		idx++
		return args[idx], nil
	}

	for ; idx < len(args); idx++ {
		token := args[idx]
		if token == "--help" || token == "-h" {
			return nil, errHelp
		}
		if !strings.HasPrefix(token, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", token)
		}
		name := token[2:]
		value := ""
		hasValue := false
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name, value = name[:eq], name[eq+1:]
			hasValue = true
		}
		if name == "" {
			return nil, fmt.Errorf("parameter name cannot be empty")
		}
		if !hasValue {
			v, err := next(token)
			if err != nil {
				return nil, err
			}
			value = v
		}

		switch name {
		case "pipeline":
			parsed.pipelinePath = value
		case "run-dir":
			parsed.opts.RunDir = value
		case "stage":
			parsed.opts.StageOnly = value
		case "from-stage":
			parsed.opts.FromStage = value
		case "stop-after":
			parsed.opts.StopAfter = value
		case "max-in-flight":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("--max-in-flight must be an integer >= 1")
			}
			parsed.opts.MaxInFlight = n
		default:
			parsed.params[name] = value
		}
	}

	if parsed.pipelinePath == "" {
		return nil, fmt.Errorf("--pipeline is required")
	}
	return parsed, nil
}

var errHelp = fmt.Errorf("help requested")

func runPipeline(cmd *cobra.Command, args []string) error {
	parsed, err := parseRunArgs(args)
	if err == errHelp {
		return cmd.Help()
	}
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var logWriter io.Writer
	if logFile := openLogFile(); logFile != nil {
		defer logFile.Close()
		logWriter = logFile
	}
	vlog.Init(cfg.LogLevel, logWriter)

	ppl, err := loadPipeline(parsed.pipelinePath)
	if err != nil {
		return err
	}

	eng := &engine.Engine{
		Pipeline:  ppl,
		Providers: buildProviders(cfg),
		Params:    parsed.params,
		Display:   engine.NewDisplay(),
		RunsRoot:  cfg.RunsRoot,
	}
	eng.BatchPollInitial = config.Timeout(cfg.Batch.PollInitial, 0)
	eng.BatchPollMax = config.Timeout(cfg.Batch.PollMax, 0)

	if _, err := eng.Run(cmd.Context(), parsed.opts); err != nil {
		return err
	}
	return nil
}

// loadPipeline resolves a pipeline from a file path, falling back to the
// embedded examples (and their project/user overrides) by name.
func loadPipeline(path string) (*pipeline.Pipeline, error) {
	if _, err := os.Stat(path); err == nil {
		return pipeline.ParseFile(path)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	data, err := assets.LoadPipeline(name)
	if err != nil {
		return nil, fmt.Errorf("pipeline file not found: %s", path)
	}
	return pipeline.Parse(data, path)
}

func buildProviders(cfg *config.Config) *provider.Registry {
	openAIBase := cfg.OpenAI.BaseURL
	if env := os.Getenv("OPENAI_BASE_URL"); env != "" {
		openAIBase = env
	}
	return provider.NewRegistry(
		&provider.OpenAI{
			BaseURL:    openAIBase,
			APIKey:     cfg.APIKey(),
			HTTPClient: httpClient(cfg.OpenAI.APITimeout),
		},
		&provider.Ollama{
			BaseURL:    cfg.Ollama.BaseURL,
			HTTPClient: httpClient(cfg.Ollama.APITimeout),
		},
	)
}

func openLogFile() *os.File {
	dir := ".promptchain"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "promptchain.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	return f
}
