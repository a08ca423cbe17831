// Package main provides the gmkit CLI entry point: a voice-driven game
// master assistant for tabletop RPG sessions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gm",
	Short: "gmkit - voice-first tabletop GM assistant",
	Long: `gmkit resolves player turns for a tabletop RPG session.

Each utterance runs through a bounded turn-resolution loop: intent is
interpreted, campaign state and rulebook knowledge are read, consequences
are resolved (with a strict per-turn LLM budget), and state changes are
committed before narration is returned.

Run without arguments to start the interactive console.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The interactive console has its own UI; skip the zap logger there.
		if cmd.Use == "gm" && cmd.CalledAs() == "gm" {
			return nil
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConsole()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(turnCmd)
	rootCmd.AddCommand(campaignCmd)
	rootCmd.AddCommand(knowledgeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(workerCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("GMKIT_CONFIG"); p != "" {
		return p
	}
	return "gmkit.yaml"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
