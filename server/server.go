// Package server is the mace message broker. Every websocket connection is
// resolved to an identity key, subscribed to the updates published under it,
// and may save updates or ask for the latest saved one.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mace/protocol"
	"mace/store"
)

const DefaultMaxMessageSize = 1 << 20

type Config struct {
	Version string
	Commit  string

	// MaxMessageSize bounds an inbound frame. Larger frames are answered
	// with an error and never stored or published. Frames over twice the
	// limit plus 1KiB are not read at all; the transport is closed without
	// a reply.
	MaxMessageSize int64

	// GoogleClientIDs are the accepted identity token audiences.
	GoogleClientIDs []string
	// ValidDomains restricts cross-origin connections. Empty allows all.
	ValidDomains []string

	Store     store.Store
	Registry  *Registry
	Publisher Publisher
	Verifier  Verifier
	Logger    *logrus.Logger
	Clock     clock.Clock
}

type Server struct {
	cfg       Config
	store     store.Store
	registry  *Registry
	publisher Publisher
	resolver  *Resolver
	stats     *stats
	upgrader  websocket.Upgrader
	clock     clock.Clock
	log       *logrus.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: no store configured")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = cfg.Registry
	}
	s := &Server{
		cfg:       cfg,
		store:     cfg.Store,
		registry:  cfg.Registry,
		publisher: cfg.Publisher,
		resolver:  &Resolver{Verifier: cfg.Verifier, Log: cfg.Logger},
		stats:     newStats(cfg.Clock.Now(), cfg.Version, cfg.Commit, cfg.GoogleClientIDs),
		clock:     cfg.Clock,
		log:       cfg.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s, nil
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Status() protocol.Status { return s.stats.status() }

// Router serves websocket connections and the JSON status on "/", and
// prometheus metrics on "/metrics".
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.cors)
	r.HandleFunc("/", s.handleConnections).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", promhttp.HandlerFor(s.stats.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.ValidDomains) == 0 || origin == "" {
		return true
	}
	return slices.Contains(s.cfg.ValidDomains, origin)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.stats.status())
		return
	}

	origin := r.Header.Get("Origin")
	query, err := protocol.ParseConnectionQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	identity, err := s.resolver.Resolve(r.Context(), origin, query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("websocket upgrade failed")
		return
	}

	sess := newSession(s, conn, identity, protocol.Versions{
		Version: protocol.ServerClient{Server: s.cfg.Version, Client: query.Version},
		Commit:  protocol.ServerClient{Server: s.cfg.Commit, Client: query.Commit},
	})
	sess.log = sess.log.WithField("remote", r.RemoteAddr)
	sess.run()
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	persistTimeout = 5 * time.Second
	sendBuffer     = 256
)
