package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-parley/internal/catalog"
	"github.com/ahrav/go-parley/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "parley",
		Short:        "Durable multi-step conversations for a community chat bot",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and run workflows until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
		},
	}

	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect workflow definitions",
	}
	catalogCmd.AddCommand(&cobra.Command{
		Use:   "validate [dir]",
		Short: "Compile the built-in workflows plus the definitions in dir",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return validateCatalog(cmd.OutOrStdout(), dir)
		},
	})

	root.AddCommand(serve, catalogCmd)
	return root
}

func validateCatalog(w io.Writer, dir string) error {
	cat, err := catalog.Open(dir)
	if err != nil {
		return fmt.Errorf("catalog is invalid:\n%w", err)
	}
	for _, t := range cat.Types() {
		wf, err := cat.Get(t)
		if err != nil {
			return err
		}
		mode := "memory"
		if wf.Durable() {
			mode = "durable"
		}
		fmt.Fprintf(w, "%-30s %-8s ttl=%-6s steps=%d effects=%s\n",
			t, mode, wf.TTL(), len(wf.Steps()), strings.Join(wf.Effects(), ","))
	}
	fmt.Fprintf(w, "%d workflows OK\n", cat.Len())
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
