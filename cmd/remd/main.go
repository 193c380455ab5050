package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/remlabs/remd/pkg/api"
	"github.com/remlabs/remd/pkg/bus"
	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/dream"
	"github.com/remlabs/remd/pkg/embed"
	"github.com/remlabs/remd/pkg/graph"
	"github.com/remlabs/remd/pkg/kv"
	"github.com/remlabs/remd/pkg/llm"
	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/objstore"
	"github.com/remlabs/remd/pkg/parser"
	"github.com/remlabs/remd/pkg/query"
	"github.com/remlabs/remd/pkg/router"
	"github.com/remlabs/remd/pkg/store"
	"github.com/remlabs/remd/pkg/tenant"
	"github.com/remlabs/remd/pkg/types"
	"github.com/remlabs/remd/pkg/worker"
)

var (
	version = "dev"

	configPath string
	cfg        *config.Config
)

func main() {
	root := &cobra.Command{
		Use:     "remd",
		Short:   "remd is the tenant-scoped content ingestion and memory service",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(routerCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(dreamerCmd())
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext cancels on SIGINT/SIGTERM so every long-running command
// drains instead of dying mid-message.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openKV() (kv.Store, error) {
	switch cfg.KV.Backend {
	case "bolt":
		return kv.NewBoltStore(cfg.KV.BoltPath)
	default:
		return kv.NewRedisStore(context.Background(), cfg.KV.RedisAddr)
	}
}

func buildEmbedder() (embed.Service, error) {
	if cfg.Embedding.Provider == "openai" {
		return embed.NewOpenAIService(cfg.Embedding)
	}
	return embed.NewLocalService(cfg.Embedding.Dimension), nil
}

func graphLayer(st *store.Store) graph.Graph {
	return graph.NewPostgresGraph(st.DB())
}

func buildExtractor() (llm.Extractor, error) {
	if cfg.LLM.Provider == "openai" {
		return llm.NewOpenAIExtractor(cfg.LLM)
	}
	return nil, nil
}

func routerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "router",
		Short: "Run the ingress router",
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			b, err := bus.ConnectJetStream(cfg.Bus)
			if err != nil {
				return err
			}
			defer b.Close()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return router.New(b, cfg.Bus).Run(gctx) })
			g.Go(func() error {
				srv := api.NewServer(nil, nil, nil)
				return srv.ListenAndServe(gctx, cfg.Ops.Addr)
			})
			return g.Wait()
		},
	}
}

func workerCmd() *cobra.Command {
	var tierName string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run storage workers for one tier or all of them",
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			b, err := bus.ConnectJetStream(cfg.Bus)
			if err != nil {
				return err
			}
			defer b.Close()

			st, err := store.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			kvStore, err := openKV()
			if err != nil {
				return err
			}
			defer kvStore.Close()

			objects, err := objstore.NewMinioClient(cfg.ObjectStore)
			if err != nil {
				return err
			}
			embedder, err := buildEmbedder()
			if err != nil {
				return err
			}

			if err := st.CheckEmbeddingDimension(ctx, embedder.Dimension()); err != nil {
				return err
			}

			parsers := parser.Default(cfg.Worker.ChunkTokenCap)
			names := kv.NewResolver(kvStore, cfg.KV.EntryTTL)

			var tiers []types.SizeTier
			if tierName == "all" {
				tiers = types.Tiers()
			} else {
				tiers = []types.SizeTier{types.SizeTier(tierName)}
			}

			g, gctx := errgroup.WithContext(ctx)
			for _, tier := range tiers {
				w := worker.New(tier, b, cfg, objects, parsers, embedder, st, names)
				g.Go(func() error { return w.Run(gctx) })
			}
			g.Go(func() error {
				srv := api.NewServer(nil, nil, func(ctx context.Context) error { return st.DB().PingContext(ctx) })
				return srv.ListenAndServe(gctx, cfg.Ops.Addr)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&tierName, "tier", "t", "all", "size tier to serve (small|medium|large|all)")
	return cmd
}

func dreamerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dreamer",
		Short: "Run the dreaming scheduler",
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			st, err := store.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			kvStore, err := openKV()
			if err != nil {
				return err
			}
			defer kvStore.Close()

			embedder, err := buildEmbedder()
			if err != nil {
				return err
			}
			if err := st.CheckEmbeddingDimension(ctx, embedder.Dimension()); err != nil {
				return err
			}
			extractor, err := buildExtractor()
			if err != nil {
				return err
			}

			g := graphLayer(st)
			names := kv.NewResolver(kvStore, cfg.KV.EntryTTL)
			dreamer := dream.New(st, g, extractor, embedder, names, cfg.Dream)
			jobs := []types.DreamJob{types.JobMomentExtraction, types.JobAffinitySemantic}
			if cfg.LLM.Provider == "openai" {
				jobs = append(jobs, types.JobAffinityLLM)
			}
			scheduler := dream.NewScheduler(dreamer, st, cfg.Dream.Interval, jobs)

			eg, gctx := errgroup.WithContext(ctx)
			eg.Go(func() error { return scheduler.Run(gctx) })
			eg.Go(func() error {
				srv := api.NewServer(nil, nil, func(ctx context.Context) error { return st.DB().PingContext(ctx) })
				return srv.ListenAndServe(gctx, cfg.Ops.Addr)
			})
			return eg.Wait()
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the query and tenant API",
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			st, err := store.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			kvStore, err := openKV()
			if err != nil {
				return err
			}
			defer kvStore.Close()

			embedder, err := buildEmbedder()
			if err != nil {
				return err
			}

			if err := st.CheckEmbeddingDimension(ctx, embedder.Dimension()); err != nil {
				return err
			}

			names := kv.NewResolver(kvStore, cfg.KV.EntryTTL)
			executor := query.New(st, names, graphLayer(st), embedder, cfg.Query, cfg.Worker.CPUPoolSize)
			tenants := tenant.NewService(st, kvStore)

			srv := api.NewServer(executor, tenants, func(ctx context.Context) error { return st.DB().PingContext(ctx) })
			return srv.ListenAndServe(ctx, cfg.Ops.Addr)
		},
	}
}
