package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storesync/internal/logger"
	"storesync/internal/storesync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "storesync",
		Short:         "Keeps storefront views coherent with the server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", getenvDefault("STORESYNC_CONFIG", "/storesync.yaml"), "path to storesync.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Connect to the push channel and keep resources fresh",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			return run(cmd.Context(), path)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the effective resource policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := storesync.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			reg, err := storesync.NewRegistry(cfg.Policies())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "origin: %s\npush:   %s\n", cfg.Origin, cfg.Push.URL)
			for _, k := range reg.Kinds() {
				p, _ := reg.Policy(k)
				fmt.Fprintf(out, "%-16s push=%-5t poll=%-6s ttl=%-6s %s\n", k, p.PushEligible, p.PollInterval, p.TTL, p.Path)
			}
			return nil
		},
	})
	return root
}

func run(parent context.Context, path string) error {
	cfg, err := storesync.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, level, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	svc, err := storesync.NewService(cfg, storesync.WithLogger(log))
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Diagnostics.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Diagnostics.Listen, err)
	}
	srv := &http.Server{
		Handler:           storesync.NewDiagnosticsHandler(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		log.Info("diagnostics listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := storesync.WatchLogLevel(gctx, path, level, log.Named("config")); err != nil {
			log.Warn("config hot reload disabled", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
