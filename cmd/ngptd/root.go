package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// version is replaced at build time via -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	logLevel  string
	logPretty bool
}

var rootOpts = rootOptions{logLevel: "info"}

// buildRootCmd constructs the command tree wired to the fn* actions.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ngptd",
		Short:         "Normalized-GPT model daemon: serve, train and sample byte-level checkpoints",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rootOpts.logLevel, "log-level", rootOpts.logLevel, "Log level: debug|info|warn|error (defaults NGPTD_LOG_LEVEL or info)")
	root.PersistentFlags().BoolVar(&rootOpts.logPretty, "log-pretty", false, "Human-readable console logging instead of JSON")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if !cmd.Flags().Changed("log-level") {
			if v := os.Getenv("NGPTD_LOG_LEVEL"); v != "" {
				rootOpts.logLevel = v
			}
		}
	}

	root.AddCommand(buildServeCmd())
	root.AddCommand(buildTrainCmd())
	root.AddCommand(buildGenerateCmd())
	root.AddCommand(buildModelsCmd())
	root.AddCommand(buildCheckCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the ngptd version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("ngptd " + version)
		},
	})

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(os.Stdout, true) }})
	completionCmd.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenPowerShellCompletionWithDesc(os.Stdout) }})
	root.AddCommand(completionCmd)

	return root
}

// newLogger builds the process logger from the persistent flags.
func newLogger() zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(rootOpts.logLevel))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if rootOpts.logPretty {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.With().Timestamp().Logger().Level(lvl)
}

// splitCSV splits a comma-separated flag value, trimming whitespace and
// dropping empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
