// Package client keeps editors in sync with a mace server. A Provider owns
// the connection; every editor registered with it gets an Engine that
// captures local changes and reconciles remote ones.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mace/protocol"
)

const (
	keepaliveInterval = 30 * time.Second
	writeWait         = 10 * time.Second
	outboxSize        = 64
)

type Config struct {
	// Server is the websocket URL of the mace server. Empty runs the
	// provider offline; only LocalOnly engines can save.
	Server string
	Token  string
	// Origin is sent as the Origin header and scopes identity on the
	// server.
	Origin  string
	Version string
	Commit  string
	// ClientID is the anonymous id. Defaults to the one stored in Cache,
	// or a fresh uuid.
	ClientID string

	Cache  *Cache
	Logger *logrus.Logger
	Clock  clock.Clock
	Dialer *websocket.Dialer
}

// Provider is the connection manager: one reconnecting transport shared by
// every registered editor.
type Provider struct {
	cfg   Config
	bus   *Bus
	log   *logrus.Logger
	clock clock.Clock

	mu      sync.Mutex
	engines map[string][]*Engine
	token   string
	outbox  chan []byte
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ClientID == "" {
		if cfg.Cache != nil {
			id, err := cfg.Cache.ClientID()
			if err != nil {
				return nil, err
			}
			cfg.ClientID = id
		} else {
			cfg.ClientID = uuid.NewString()
		}
	}
	if cfg.Server != "" {
		if _, err := url.Parse(cfg.Server); err != nil {
			return nil, fmt.Errorf("parse server url: %w", err)
		}
	}
	p := &Provider{
		cfg:     cfg,
		bus:     NewBus(),
		log:     cfg.Logger,
		clock:   cfg.Clock,
		engines: make(map[string][]*Engine),
		token:   cfg.Token,
	}
	if cfg.Server != "" {
		p.mu.Lock()
		p.startLocked()
		p.mu.Unlock()
	}
	return p, nil
}

func (p *Provider) ClientID() string { return p.cfg.ClientID }

func (p *Provider) Bus() *Bus { return p.bus }

// Connected reports whether the transport is currently open.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbox != nil
}

// SetToken switches identity. The current transport is dropped and a new
// one is dialed with the new token.
func (p *Provider) SetToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if token == p.token || p.closed {
		return
	}
	p.token = token
	if p.cfg.Server == "" {
		return
	}
	p.cancel()
	p.startLocked()
}

func (p *Provider) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func(token string) {
		defer p.wg.Done()
		p.run(ctx, token)
	}(p.token)
}

// Close stops the transport. Registered engines stay usable in LocalOnly
// mode.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return nil
}

// Register starts syncing editor under editorID. The cached state, if any,
// is applied before this returns.
func (p *Provider) Register(editorID string, editor Editor, opts Options) (*Engine, error) {
	if editorID == "" {
		return nil, errors.New("register: empty editor id")
	}
	e := newEngine(p, editorID, uuid.NewString(), editor, opts)
	e.busSub = p.bus.On(editorID, e.handle)

	if p.cfg.Cache != nil {
		cached, err := p.cfg.Cache.Get(editorID)
		if err != nil {
			e.log.WithError(err).Warn("read cached state")
		} else if cached != nil {
			cached.Local = false
			e.handle(cached)
		}
	}
	e.removeListener = editor.OnChange(e.capture)

	p.mu.Lock()
	p.engines[editorID] = append(p.engines[editorID], e)
	connected := p.outbox != nil
	p.mu.Unlock()

	if connected {
		if err := p.send(&protocol.Get{EditorID: editorID}); err != nil {
			e.log.WithError(err).Debug("initial get not sent")
		}
	}
	return e, nil
}

func (p *Provider) unregister(e *Engine) {
	p.bus.Off(e.id, e.busSub)
	p.mu.Lock()
	defer p.mu.Unlock()
	engines := p.engines[e.id]
	for i, existing := range engines {
		if existing == e {
			engines = append(engines[:i:i], engines[i+1:]...)
			break
		}
	}
	if len(engines) == 0 {
		delete(p.engines, e.id)
	} else {
		p.engines[e.id] = engines
	}
}

func (p *Provider) enginesFor(editorID string) []*Engine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Engine(nil), p.engines[editorID]...)
}

// publishLocal hands a save to sibling engines and the cache.
func (p *Provider) publishLocal(u *protocol.Update) {
	p.cacheUpdate(u)
	p.bus.Emit(u.EditorID, u)
}

func (p *Provider) cacheUpdate(u *protocol.Update) {
	if p.cfg.Cache == nil {
		return
	}
	if err := p.cfg.Cache.Put(u); err != nil {
		p.log.WithError(err).WithField("editorId", u.EditorID).Warn("cache update")
	}
}

// send queues m on the open transport. It does not wait for delivery.
func (p *Provider) send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	p.mu.Lock()
	outbox := p.outbox
	p.mu.Unlock()
	if outbox == nil {
		return ErrNotConnected
	}
	select {
	case outbox <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (p *Provider) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(p.cfg.Server)
	if err != nil {
		return nil, err
	}
	q := protocol.ConnectionQuery{
		Client:      p.cfg.ClientID,
		Version:     p.cfg.Version,
		Commit:      p.cfg.Commit,
		GoogleToken: token,
	}
	u.RawQuery = q.Values().Encode()
	header := http.Header{}
	if p.cfg.Origin != "" {
		header.Set("Origin", p.cfg.Origin)
	}
	conn, _, err := p.cfg.Dialer.DialContext(ctx, u.String(), header)
	return conn, err
}

// run keeps a transport open until ctx is cancelled.
func (p *Provider) run(ctx context.Context, token string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	for {
		conn, err := p.dial(ctx, token)
		if err == nil {
			b.Reset()
			p.serve(ctx, conn)
		} else {
			p.log.WithError(err).Debug("dial failed")
		}
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(wait):
		}
	}
}

// serve pumps one open connection until it fails or ctx is cancelled.
func (p *Provider) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})

	p.mu.Lock()
	outbox := make(chan []byte, outboxSize+len(p.engines))
	p.outbox = outbox
	// Gets for every live editor are queued before anything else can be
	// sent on this connection. Register sends its own Get only when it
	// finds the transport already open.
	for editorID := range p.engines {
		data, _ := protocol.Encode(&protocol.Get{EditorID: editorID})
		outbox <- data
	}
	p.mu.Unlock()
	p.log.WithField("server", p.cfg.Server).Info("connected")

	defer func() {
		p.mu.Lock()
		if p.outbox == outbox {
			p.outbox = nil
		}
		p.mu.Unlock()
		close(done)
		conn.Close()
		p.log.WithField("server", p.cfg.Server).Info("disconnected")
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go p.writePump(conn, outbox, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.log.WithError(err).Debug("read failed")
			}
			return
		}
		if protocol.IsKeepalive(data) {
			continue
		}
		m, err := protocol.Decode(data)
		if err != nil {
			p.log.WithError(err).Warn("bad message from server")
			continue
		}
		p.dispatch(m)
	}
}

func (p *Provider) writePump(conn *websocket.Conn, outbox <-chan []byte, done <-chan struct{}) {
	ticker := p.clock.Ticker(keepaliveInterval)
	defer ticker.Stop()
	for {
		var msg []byte
		select {
		case msg = <-outbox:
		case <-ticker.C:
			msg = []byte(protocol.Ping)
		case <-done:
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			p.log.WithError(err).Debug("write failed")
			conn.Close()
			return
		}
	}
}

func (p *Provider) dispatch(m protocol.Message) {
	switch m := m.(type) {
	case *protocol.Update:
		engines := p.enginesFor(m.EditorID)
		if len(engines) == 0 {
			p.log.WithField("editorId", m.EditorID).Debug("no engine for update")
			return
		}
		p.cacheUpdate(m)
		for _, e := range engines {
			e.handle(m)
		}
	case *protocol.Error:
		if m.EditorID == "" {
			p.log.WithField("code", m.Code).Warn(m.Message)
			return
		}
		for _, e := range p.enginesFor(m.EditorID) {
			e.handleError(m)
		}
	case *protocol.Get:
		p.log.WithField("editorId", m.EditorID).Debug("ignoring get from server")
	}
}
