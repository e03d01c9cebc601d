package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"eventcorrelator/internal/config"
	"eventcorrelator/internal/storage"
)

func importCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy config rules and scripts into SQL storage",
		Long: `Validate the rules and scripts in the config file and upsert them into the
configured storage, so the engine can run with registry.source: storage.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(configPath))
			if err != nil {
				return err
			}
			if err := validateConfig(cfg); err != nil {
				return err
			}
			if !cfg.Storage.Enabled {
				return errors.New("storage.enabled must be true to import")
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "would import %d rules, %d scripts\n", len(cfg.Rules), len(cfg.Scripts))
				return nil
			}
			store, err := storage.NewStore(cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			if err := store.Init(ctx); err != nil {
				return err
			}
			for _, sc := range cfg.Scripts {
				if err := store.UpsertScript(ctx, sc); err != nil {
					return fmt.Errorf("script %s: %w", sc.ID, err)
				}
			}
			for _, r := range cfg.Rules {
				if err := store.UpsertRule(ctx, r); err != nil {
					return fmt.Errorf("rule %s: %w", r.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rules, %d scripts\n", len(cfg.Rules), len(cfg.Scripts))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and report without writing")
	return cmd
}
