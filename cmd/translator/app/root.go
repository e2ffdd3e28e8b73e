// Package app provides the command-line interface for the translator
// fine-tuning tool. Commands are organized hierarchically with a root
// command and subcommands, following the cobra pattern.
package app

import (
	"fmt"
	"log/slog"
	"os"

	internal "github.com/QuagHien/translator-v3/translator"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	// cliName is the name of the CLI application
	cliName = "translator"

	// cliDescription is the short description shown in help text
	cliDescription = "translator - fine-tune bilingual translation models"
)

// GlobalOptions holds options that are common to all commands
type GlobalOptions struct {
	// Verbose enables debug-level output
	Verbose bool
}

// NewTranslatorCommand creates the root translator command with all
// subcommands. Logging is configured here, before any subcommand runs, so
// every component logs through the same handler at the requested level.
func NewTranslatorCommand() *cobra.Command {
	opts := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:   cliName,
		Short: cliDescription,
		Long: `translator fine-tunes sequence-to-sequence translation models on
bilingual sentence-pair corpora. It loads datasets from local disk or the
HuggingFace hub, tokenizes both directions of each pair, and trains with
optional low-rank adaptation and 4-bit base-weight quantization.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.Verbose)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose output")

	cmd.AddCommand(
		NewFinetuneCommand(opts),
		NewRunsCommand(opts),
		NewVersionCommand(opts),
	)

	return cmd
}

// setupLogging installs the process-wide log handlers. Both the slog default
// used by the library packages and the zerolog global level follow the same
// verbosity switch.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	zlevel := zerolog.InfoLevel
	if verbose {
		level = slog.LevelDebug
		zlevel = zerolog.DebugLevel
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	zerolog.SetGlobalLevel(zlevel)

	logger := internal.GetLogger()
	logger.Debug().Str("app", internal.DefaultAppName).Msg("logging initialized")
}

// checkError prints an error and exits if err is not nil.
func checkError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
