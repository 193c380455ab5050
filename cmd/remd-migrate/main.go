package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "remd-migrate",
		Short:        "Apply or roll back remd schema migrations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(*cobra.Command, []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				return st.Migrate(ctx)
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(*cobra.Command, []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				return st.MigrateDown(ctx)
			})
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withStore(fn func(context.Context, *store.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}
