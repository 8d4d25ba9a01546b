package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mace/internal/config"
	"mace/internal/discovery"
	"mace/server"
	"mace/store"
	_ "mace/store/mongo"
	_ "mace/store/postgres"
)

const usage = `mace sync server.

Usage:
    mace-server [--config=<path>] [--port=<port>] [--debug]
    mace-server -h | --help
    mace-server --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML config file.
    -p --port=<port>   Listen port, overrides config and BACKEND_PORT.
    --debug            Log every message.`

var Version = "dev"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug, _ := opts.Bool("--debug"); debug {
		log.SetLevel(logrus.DebugLevel)
	}

	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if opts["--port"] != nil {
		port, err := opts.Int("--port")
		if err != nil {
			log.WithError(err).Fatal("bad --port")
		}
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Server, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(ctx context.Context, cfg config.Server, log *logrus.Logger) error {
	st, err := store.Open(ctx, cfg.Database, cfg.Collection)
	if err != nil {
		return err
	}
	defer st.Close()
	log.WithField("collection", cfg.Collection).Info("store ready")

	verifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}

	registry := server.NewRegistry()
	var publisher server.Publisher = registry
	var relay *server.RedisRelay
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.WithField("addr", cfg.RedisAddr).Info("connected to redis")
		relay = server.NewRedisRelay(rdb, registry, log)
		publisher = relay
	}

	srv, err := server.New(server.Config{
		Version:         cfg.Version,
		Commit:          cfg.Commit,
		MaxMessageSize:  int64(cfg.MaxMessageSize),
		GoogleClientIDs: cfg.GoogleClientIDs,
		ValidDomains:    cfg.ValidDomains,
		Store:           st,
		Registry:        registry,
		Publisher:       publisher,
		Verifier:        verifier,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": httpServer.Addr, "version": cfg.Version}).Info("mace server starting")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if relay != nil {
		g.Go(func() error { return relay.Run(ctx) })
	}
	if cfg.Advertise {
		g.Go(func() error { return discovery.Advertise(ctx, cfg.Port, cfg.Version, log) })
	}
	return g.Wait()
}

// newVerifier returns nil when no key material is configured; tokens are
// then ignored and identities fall back to client ids.
func newVerifier(cfg config.Server) (server.Verifier, error) {
	if cfg.JWTSecret == "" && len(cfg.JWTPublicKeys) == 0 {
		return nil, nil
	}
	keys, err := server.LoadRSAPublicKeys(cfg.JWTPublicKeys)
	if err != nil {
		return nil, err
	}
	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}
	return server.NewJWTVerifier(cfg.GoogleClientIDs, secret, keys), nil
}
