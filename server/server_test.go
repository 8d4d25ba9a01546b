package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mace/protocol"
	"mace/store"
)

type fixture struct {
	srv   *Server
	store *store.Memory
	ts    *httptest.Server
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newFixture(t *testing.T, configure func(*Config)) *fixture {
	t.Helper()
	mem := store.NewMemory()
	cfg := Config{Version: "test", Commit: "abc123", Store: mem, Logger: quietLogger()}
	if configure != nil {
		configure(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, store: mem, ts: ts}
}

func (f *fixture) dial(t *testing.T, origin, client string) *websocket.Conn {
	t.Helper()
	key := origin + "/" + client
	before := f.srv.Registry().Count(key)

	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/?" + url.Values{"client": {client}, "version": {"1.0.0"}}.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {origin}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return f.srv.Registry().Count(key) == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	m, err := protocol.Decode(data)
	require.NoError(t, err)
	return m
}

func readUpdate(t *testing.T, conn *websocket.Conn) *protocol.Update {
	t.Helper()
	m := read(t, conn)
	u, ok := m.(*protocol.Update)
	require.True(t, ok, "expected update, got %T", m)
	return u
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message %s", data)
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

func snapshotUpdate(editorID, saveID, value string, history int) *protocol.Update {
	now := time.Now()
	var records []protocol.Record
	for i := 0; i < history; i++ {
		start := protocol.Location{Row: 0, Column: i}
		end := protocol.Location{Row: 0, Column: i + 1}
		records = append(records, protocol.Record{Type: protocol.RecordInsert, ID: i, Timestamp: now, Start: &start, End: &end, Lines: []string{"x"}})
	}
	records = append(records, protocol.NewSnapshot(value, protocol.Location{}, [2]protocol.Location{}, true, now))
	return &protocol.Update{EditorID: editorID, View: "view-" + saveID, SaveID: saveID, Local: true, Records: records}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.GoogleClientIDs = []string{"aud-1"} })

	fetch := func() protocol.Status {
		resp, err := http.Get(f.ts.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()
		var status protocol.Status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		return status
	}

	status := fetch()
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, "abc123", status.Commit)
	assert.Equal(t, []string{"aud-1"}, status.GoogleClientIDs)
	assert.Zero(t, status.Counts.Client)

	conn := f.dial(t, "site", "alice")
	assert.EqualValues(t, 1, fetch().Counts.Client)

	send(t, conn, &protocol.Get{EditorID: "doc1"})
	require.Eventually(t, func() bool { return fetch().Counts.Get == 1 }, time.Second, 10*time.Millisecond)
}

func TestGetAfterSave(t *testing.T) {
	f := newFixture(t, nil)
	a := f.dial(t, "site", "alice")

	send(t, a, snapshotUpdate("doc1", "s1", "hello", 2))
	echo := readUpdate(t, a)
	assert.Equal(t, "s1", echo.SaveID)

	b := f.dial(t, "site", "alice")
	send(t, b, &protocol.Get{EditorID: "doc1"})

	got := readUpdate(t, b)
	value, ok := got.Value()
	require.True(t, ok)
	assert.Equal(t, "hello", value)
	assert.Equal(t, "doc1", got.EditorID)
	assert.False(t, got.Local)
	assert.Len(t, got.Records, 1)

	// The get response goes to every session of the identity.
	assert.Equal(t, "s1", readUpdate(t, a).SaveID)
}

func TestEmptyStreamingBatchKeepsLatest(t *testing.T) {
	f := newFixture(t, nil)
	a := f.dial(t, "site", "alice")
	b := f.dial(t, "site", "alice")

	send(t, a, snapshotUpdate("doc1", "s1", "hello", 1))
	readUpdate(t, a)
	readUpdate(t, b)

	send(t, a, &protocol.Update{EditorID: "doc1", View: "v", SaveID: "s2", Streaming: true})
	relayed := readUpdate(t, b)
	assert.Equal(t, "s2", relayed.SaveID)
	assert.Empty(t, relayed.Records)
	assert.Equal(t, 1, f.store.Len("site/alice", "doc1"))

	// A non-streaming update without records is refused outright.
	send(t, a, &protocol.Update{EditorID: "doc1", View: "v", SaveID: "s3"})
	expectSilence(t, b)

	c := f.dial(t, "site", "alice")
	send(t, c, &protocol.Get{EditorID: "doc1"})
	got := readUpdate(t, c)
	value, ok := got.Value()
	require.True(t, ok)
	assert.Equal(t, "hello", value)
	assert.Equal(t, "s1", got.SaveID)
}

func TestGetWithNothingSaved(t *testing.T) {
	f := newFixture(t, nil)
	a := f.dial(t, "site", "alice")

	send(t, a, &protocol.Get{EditorID: "doc1"})
	expectSilence(t, a)
	assert.EqualValues(t, 1, f.srv.Status().Counts.Get)
}

func TestIdentityIsolation(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "site", "alice")
	bob := f.dial(t, "site", "bob")
	otherSite := f.dial(t, "other", "alice")

	send(t, alice, snapshotUpdate("doc1", "s1", "hello", 0))
	readUpdate(t, alice)

	send(t, bob, &protocol.Get{EditorID: "doc1"})
	send(t, otherSite, &protocol.Get{EditorID: "doc1"})
	expectSilence(t, bob)
	expectSilence(t, otherSite)
}

func TestSiblingsConvergeOnTrimmedSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	a := f.dial(t, "site", "alice")
	b := f.dial(t, "site", "alice")

	send(t, a, snapshotUpdate("doc1", "s1", "hello world", 5))

	for _, conn := range []*websocket.Conn{a, b} {
		u := readUpdate(t, conn)
		require.Len(t, u.Records, 1)
		value, ok := u.Value()
		require.True(t, ok)
		assert.Equal(t, "hello world", value)
		assert.Equal(t, "view-s1", u.View)
	}

	// The full history is what gets stored.
	e, err := f.store.Latest(context.Background(), "site/alice", "doc1")
	require.NoError(t, err)
	assert.Len(t, e.Update.Records, 6)
	assert.Equal(t, "1.0.0", e.Versions.Version.Client)
	assert.Equal(t, "test", e.Versions.Version.Server)
}

func TestStreamingPublishedAsIs(t *testing.T) {
	f := newFixture(t, nil)
	a := f.dial(t, "site", "alice")
	b := f.dial(t, "site", "alice")

	u := snapshotUpdate("doc1", "s1", "", 3)
	u.Streaming = true
	u.Records = u.Records[:3]
	send(t, a, u)

	got := readUpdate(t, b)
	assert.True(t, got.Streaming)
	assert.Len(t, got.Records, 3)
}

func TestOversizedRejected(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxMessageSize = 512 })
	a := f.dial(t, "site", "alice")
	b := f.dial(t, "site", "alice")

	send(t, a, snapshotUpdate("doc1", "big", strings.Repeat("x", 600), 0))

	m := read(t, a)
	e, ok := m.(*protocol.Error)
	require.True(t, ok, "expected error, got %T", m)
	assert.Equal(t, protocol.CodeTooLarge, e.Code)
	assert.Equal(t, "doc1", e.EditorID)
	assert.Equal(t, "big", e.SaveID)

	expectSilence(t, b)
	assert.Zero(t, f.store.Len("site/alice", "doc1"))
	assert.Zero(t, f.srv.Status().Counts.Update)
}

func TestInvalidMessageKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	a := f.dial(t, "site", "alice")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"save"}`)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(protocol.Ping)))
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := a.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.Pong, string(data))

	send(t, a, snapshotUpdate("doc1", "s1", "still here", 0))
	value, _ := readUpdate(t, a).Value()
	assert.Equal(t, "still here", value)
}

func TestHandshakeWithoutIdentity(t *testing.T) {
	f := newFixture(t, nil)
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/?version=1"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidDomainRefused(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ValidDomains = []string{"https://good.example"} })
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/?client=alice"
	_, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"https://good.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestCloseUnsubscribes(t *testing.T) {
	f := newFixture(t, nil)
	a := f.dial(t, "site", "alice")
	require.EqualValues(t, 1, f.srv.Status().Counts.Client)

	a.Close()
	require.Eventually(t, func() bool {
		return f.srv.Registry().Count("site/alice") == 0 && f.srv.Status().Counts.Client == 0
	}, time.Second, 5*time.Millisecond)
}

type failingStore struct{ store.Memory }

func (*failingStore) Insert(context.Context, store.Entry) error {
	return errors.New("disk on fire")
}

func TestPersistFailureStillPublishes(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Store = &failingStore{} })
	a := f.dial(t, "site", "alice")
	b := f.dial(t, "site", "alice")

	send(t, a, snapshotUpdate("doc1", "s1", "live", 0))
	value, _ := readUpdate(t, b).Value()
	assert.Equal(t, "live", value)
	assert.EqualValues(t, 1, f.srv.Status().Counts.Update)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.dial(t, "site", "alice")

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mace_clients 1")
}
