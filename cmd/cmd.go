// Package cmd implements the llava-go command line interface.
package cmd

import (
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/chenwanqq/llava-go/envconfig"
	"github.com/chenwanqq/llava-go/logutil"
	"github.com/chenwanqq/llava-go/model"
	"github.com/chenwanqq/llava-go/runner"
	"github.com/chenwanqq/llava-go/server"
	"github.com/chenwanqq/llava-go/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "llava-go",
		Short:   "Multimodal generation server",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the API server",
		Args:    cobra.ExactArgs(0),
		RunE:    serveHandler,
	}
	serveCmd.Flags().String("model", "", "path to the model")
	serveCmd.Flags().String("arch", "llava", "registered model architecture")

	runnerCmd := &cobra.Command{
		Use:                "runner",
		Short:              "Run the low-level generation service",
		Hidden:             true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runner.Execute(args)
		},
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			writeEnvTable(cmd.OutOrStdout())
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, runnerCmd, envCmd)

	return rootCmd
}

func serveHandler(cmd *cobra.Command, args []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	mpath, _ := cmd.Flags().GetString("model")
	arch, _ := cmd.Flags().GetString("arch")

	cfg, backends, err := runner.LoadBackends(mpath)
	if err != nil {
		return err
	}

	m, err := model.New(arch, cfg, backends)
	if err != nil {
		return err
	}

	engine, err := runner.NewEngine(m, runner.EngineParams{
		Parallel:       envconfig.Parallel(),
		MultiUserCache: envconfig.MultiUserCache(),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	host := envconfig.Host()
	ln, err := net.Listen("tcp", host.Host)
	if err != nil {
		return err
	}

	slog.Info("starting server", "version", version.Version, "model", mpath, "arch", arch)
	return server.Serve(ln, engine)
}
