package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/always-cache/cache-worker/cache"
	"github.com/always-cache/cache-worker/config"
)

func newCachesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caches",
		Short: "Inspect and clean up cache generations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cache generations, marking the current one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, storage, err := openStorage(cmd, opts)
			if err != nil {
				return err
			}
			defer storage.Close()

			names, err := storage.Keys(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				marker := " "
				if name == cfg.Worker.Generation {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete every cache generation except the current one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, storage, err := openStorage(cmd, opts)
			if err != nil {
				return err
			}
			defer storage.Close()

			deleted, err := cache.DeleteAllExcept(cmd.Context(), storage, cfg.Worker.Generation)
			for _, name := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", name)
			}
			return err
		},
	})
	return cmd
}

func openStorage(cmd *cobra.Command, opts *options) (config.Config, cache.Storage, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Worker.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Storage.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	storage, err := cache.New(cfg.Storage.Provider, cfg.Storage.Path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("open cache storage: %w", err)
	}
	return cfg, storage, nil
}
