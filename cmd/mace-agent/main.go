package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mace/client"
	"mace/internal/config"
	"mace/internal/discovery"
	"mace/protocol"
)

const usage = `mace agent: edit one document from local browser tabs, kept in sync
with a mace server.

Usage:
    mace-agent [--config=<path>] [--server=<url>] [--editor=<id>] [--listen=<addr>] [--debug]
    mace-agent -h | --help
    mace-agent --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML config file.
    --server=<url>     Websocket URL of the mace server.
    --editor=<id>      Editor id to sync.
    --listen=<addr>    Address for the local UI.
    --debug            Log every message.`

var Version = "dev"

const discoverTimeout = 15 * time.Second

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
	if v, err := opts.String("--server"); err == nil && v != "" {
		cfg.Agent.Server = v
	}
	if v, err := opts.String("--editor"); err == nil && v != "" {
		cfg.Agent.EditorID = v
	}
	if v, err := opts.String("--listen"); err == nil && v != "" {
		cfg.Agent.Listen = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Agent, log); err != nil {
		log.WithError(err).Fatal("agent stopped")
	}
}

func run(ctx context.Context, cfg config.Agent, log *logrus.Logger) error {
	if cfg.Server == "" && cfg.Discover {
		browseCtx, cancel := context.WithTimeout(ctx, discoverTimeout)
		found, err := discovery.Browse(browseCtx, log)
		cancel()
		if err != nil {
			log.WithError(err).Warn("running without a server")
		}
		cfg.Server = found
	}

	cache, err := client.OpenCache(cfg.Cache)
	if err != nil {
		return err
	}
	defer cache.Close()

	provider, err := client.NewProvider(client.Config{
		Server:  cfg.Server,
		Token:   cfg.Token,
		Origin:  cfg.Origin,
		Version: Version,
		Cache:   cache,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer provider.Close()

	buffer := client.NewBuffer("")
	hub := newHub(buffer, log)
	buffer.OnChange(hub.changed)

	engine, err := provider.Register(cfg.EditorID, buffer, client.Options{
		AutoSave:  true,
		LocalOnly: cfg.Server == "",
		OnSaved: func(saveID string) {
			log.WithField("saveId", saveID).Debug("saved")
		},
		OnError: func(m *protocol.Error) {
			log.WithFields(logrus.Fields{"code": m.Code, "saveId": m.SaveID}).Warn("server refused save")
		},
	})
	if err != nil {
		return err
	}
	defer engine.Stop()

	r := mux.NewRouter()
	r.HandleFunc("/ws", hub.serveWs)
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.Static)))
	httpServer := &http.Server{Addr: cfg.Listen, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.run(ctx) })
	g.Go(func() error {
		log.WithFields(logrus.Fields{"listen": cfg.Listen, "server": cfg.Server, "editorId": cfg.EditorID}).Info("mace agent running")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		if err := engine.Save(false); err != nil {
			log.WithError(err).Warn("final save")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
