// Package cli wires the cobra command surface to the engine.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yogeelabs/promptchain/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "promptchain",
	Short: "Multi-stage prompt workflow runner",
	Long:  `promptchain runs declarative multi-stage prompt pipelines against LLM providers, persisting every intermediate artifact for inspection and resume.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pipelinesCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("promptchain %s\n", version.Version)
	},
}
