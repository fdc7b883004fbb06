package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncwirehq/syncwire/internal/config"
	"github.com/syncwirehq/syncwire/internal/identity"
	"github.com/syncwirehq/syncwire/internal/logging"
	"github.com/syncwirehq/syncwire/internal/pubsub"
	pubsubmemory "github.com/syncwirehq/syncwire/internal/pubsub/memory"
	pubsubnats "github.com/syncwirehq/syncwire/internal/pubsub/nats"
	"github.com/syncwirehq/syncwire/internal/realtime"
	"github.com/syncwirehq/syncwire/internal/store"
	storememory "github.com/syncwirehq/syncwire/internal/store/memory"
	storemongo "github.com/syncwirehq/syncwire/internal/store/mongo"
)

func main() {
	configDir := flag.String("config", "config", "Configuration directory")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Logging error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Shutdown()

	if err := run(cfg); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider, err := newPubSubProvider(cfg)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	defer provider.Close()

	st, err := newStore(ctx, cfg, provider)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close(context.Background())

	var identitySvc *identity.Service
	if cfg.Identity.Secret != "" {
		identitySvc, err = identity.NewService(cfg.Identity)
		if err != nil {
			return fmt.Errorf("identity: %w", err)
		}
	} else {
		slog.Warn("no identity secret configured, login methods disabled")
	}

	srv := realtime.NewServer(cfg.Server, identitySvc)

	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", srv.ServeWs)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", addr, "store", cfg.Store.Backend, "pubsub", cfg.PubSub.Provider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		slog.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	srv.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("Server stopped")
	return nil
}

func newPubSubProvider(cfg *config.Config) (pubsub.Provider, error) {
	switch cfg.PubSub.Provider {
	case "nats":
		provider := pubsubnats.NewProvider(cfg.PubSub.NATS.URL)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Connect(ctx); err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return pubsubmemory.New(), nil
	}
}

func newStore(ctx context.Context, cfg *config.Config, provider pubsub.Provider) (store.Store, error) {
	switch cfg.Store.Backend {
	case "mongodb":
		mp, err := storemongo.NewProvider(ctx, cfg.Store.MongoDB.URI, cfg.Store.MongoDB.Database)
		if err != nil {
			return nil, err
		}
		return storemongo.NewStore(mp), nil
	default:
		var opts []storememory.Option
		if cfg.Store.Changefeed.Enabled {
			pub, err := provider.NewPublisher(pubsub.PublisherOptions{
				StreamName:    cfg.Store.Changefeed.StreamName,
				SubjectPrefix: cfg.Store.Changefeed.SubjectPrefix,
			})
			if err != nil {
				return nil, err
			}
			opts = append(opts, storememory.WithChangefeed(pub))
		}
		return storememory.New(opts...), nil
	}
}
