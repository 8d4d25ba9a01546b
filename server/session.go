package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mace/protocol"
	"mace/store"
)

// session owns one websocket connection from accept until close.
type session struct {
	srv       *Server
	conn      *websocket.Conn
	identity  Identity
	versions  protocol.Versions
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry
}

func newSession(srv *Server, conn *websocket.Conn, identity Identity, versions protocol.Versions) *session {
	return &session{
		srv:      srv,
		conn:     conn,
		identity: identity,
		versions: versions,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		log:      srv.log.WithField("identity", identity.Key),
	}
}

// Deliver queues payload for the write loop. A session whose queue is full
// is closed rather than allowed to stall the publisher.
func (s *session) Deliver(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.log.Warn("send buffer full, closing session")
		s.close()
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// run blocks until the connection goes away. Graceful close, transport
// errors and slow consumers all leave through the same cleanup.
func (s *session) run() {
	s.srv.stats.connected()
	s.srv.registry.Subscribe(s.identity.Key, s)
	s.log.Debug("session open")
	defer func() {
		s.srv.registry.Unsubscribe(s.identity.Key, s)
		s.srv.stats.disconnected()
		s.close()
		s.log.Debug("session closed")
	}()

	go s.writePump()
	s.readPump()
}

func (s *session) readPump() {
	// Frames up to twice the limit are read so they can be refused
	// explicitly; anything larger fails the transport.
	s.conn.SetReadLimit(2*s.srv.cfg.MaxMessageSize + 1024)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Info("client disconnected")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(data)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.WithError(err).Debug("error writing message to client")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Errorf("recovered while handling message\n%s", debug.Stack())
		}
	}()

	if protocol.IsKeepalive(data) {
		if string(data) == protocol.Ping {
			s.Deliver([]byte(protocol.Pong))
		}
		return
	}

	if int64(len(data)) > s.srv.cfg.MaxMessageSize {
		s.srv.stats.reject("too_large")
		s.refuseTooLarge(data)
		return
	}

	m, err := protocol.Decode(data)
	if err != nil {
		s.srv.stats.reject("invalid")
		s.log.WithError(err).Warnf("bad message: %.200s", data)
		return
	}
	switch m := m.(type) {
	case *protocol.Update:
		s.update(m)
	case *protocol.Get:
		s.get(m)
	case *protocol.Error:
		s.srv.stats.reject("unexpected")
		s.log.WithField("code", m.Code).Warn("client sent an error message")
	}
}

func (s *session) refuseTooLarge(data []byte) {
	var ids struct {
		EditorID string `json:"editorId"`
		SaveID   string `json:"saveId"`
	}
	json.Unmarshal(data, &ids)
	s.log.WithField("editorId", ids.EditorID).Warnf("message of %d bytes exceeds limit", len(data))
	s.reply(&protocol.Error{
		EditorID: ids.EditorID,
		SaveID:   ids.SaveID,
		Code:     protocol.CodeTooLarge,
		Message:  fmt.Sprintf("message of %d bytes exceeds the %d byte limit", len(data), s.srv.cfg.MaxMessageSize),
	})
}

func (s *session) reply(m protocol.Message) {
	payload, err := protocol.Encode(m)
	if err != nil {
		s.log.WithError(err).Error("encode reply")
		return
	}
	s.Deliver(payload)
}

func (s *session) publish(ctx context.Context, u *protocol.Update) {
	payload, err := protocol.Encode(u)
	if err != nil {
		s.log.WithError(err).Error("encode update")
		return
	}
	if err := s.srv.publisher.Publish(ctx, s.identity.Key, payload); err != nil {
		s.log.WithError(err).WithField("editorId", u.EditorID).Warn("publish failed")
	}
}

func (s *session) update(u *protocol.Update) {
	log := s.log.WithField("editorId", u.EditorID)
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	// An empty streaming batch is relayed but never becomes the latest state.
	if len(u.Records) > 0 {
		s.persist(ctx, log, u)
	}
	s.srv.stats.update()
	log.WithField("saveId", u.SaveID).Debug("update")

	s.publish(ctx, u.Trimmed())
}

func (s *session) persist(ctx context.Context, log *logrus.Entry, u *protocol.Update) {
	err := s.srv.store.Insert(ctx, store.Entry{
		IdentityKey: s.identity.Key,
		EditorID:    u.EditorID,
		Origin:      s.identity.Origin,
		Client:      s.identity.Client,
		Email:       s.identity.Email,
		Timestamp:   s.srv.clock.Now(),
		Update:      *u,
		Versions:    s.versions,
	})
	if err != nil {
		s.srv.stats.persistErrors.Inc()
		log.WithError(err).Warn("persist update failed")
	}
}

func (s *session) get(g *protocol.Get) {
	log := s.log.WithField("editorId", g.EditorID)
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	e, err := s.srv.store.Latest(ctx, s.identity.Key, g.EditorID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Debug("get: nothing saved")
	case err != nil:
		log.WithError(err).Warn("get: lookup failed")
	default:
		s.publish(ctx, e.Update.Trimmed())
	}
	s.srv.stats.get()
}
