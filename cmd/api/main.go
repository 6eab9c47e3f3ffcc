package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"upsellflow/auth"
	"upsellflow/changeset"
	"upsellflow/config"
	"upsellflow/db"
	"upsellflow/offer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "upsell backend: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration, builds the catalog and serves until ctx is cancelled.
// Configuration errors abort before anything listens.
func run(ctx context.Context, getenv func(string) string, logOut io.Writer) error {
	cfg, err := config.Load(getenv)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	selector, err := offer.NewCELSelector(1, logger)
	if err != nil {
		return fmt.Errorf("offer selector: %w", err)
	}
	catalog := offer.NewCatalog(store, selector)

	verifier := auth.NewVerifier(cfg.SharedSecret,
		auth.WithLeeway(cfg.TokenLeeway),
		auth.WithExpiryRequired(cfg.RequireTokenExpiry),
	)
	signer := changeset.NewSigner(changeset.SignerConfig{
		Issuer:      cfg.APIKey,
		Secret:      cfg.SharedSecret,
		TTL:         cfg.AssertionTTL,
		BindSubject: cfg.BindTokenSubject,
	}, catalog, changeset.WithLogger(logger))

	server, err := NewServer(ServerConfig{
		RequestTimeout: cfg.RequestTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, verifier, catalog, signer, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           server.Routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		server.limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore picks the catalog backend: Postgres when DATABASE_URL is set, otherwise the
// YAML file, otherwise the built-in demo offer. Redis caching wraps whichever is chosen.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (offer.Store, func(), error) {
	var (
		store   offer.Store
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch {
	case cfg.DatabaseURL != "":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		closers = append(closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			closeAll()
			return nil, nil, err
		}
		store = offer.NewRepository(pool)
		logger.Info("offer catalog", "source", "postgres")
	case cfg.OffersFile != "":
		offers, err := offer.LoadFile(cfg.OffersFile)
		if err != nil {
			return nil, nil, err
		}
		static, err := offer.NewStaticStore(offers)
		if err != nil {
			return nil, nil, err
		}
		store = static
		logger.Info("offer catalog", "source", "file", "path", cfg.OffersFile, "offers", len(offers))
	default:
		static, err := offer.NewStaticStore(offer.DemoOffers())
		if err != nil {
			return nil, nil, err
		}
		store = static
		logger.Info("offer catalog", "source", "demo")
	}

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		store = offer.NewCachedStore(store, rdb, cfg.CacheTTL, logger)
		logger.Info("offer cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.CacheTTL)
	}

	return store, closeAll, nil
}
