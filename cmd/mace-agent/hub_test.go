package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mace/client"
	"mace/protocol"
)

func startHub(t *testing.T, value string) (*client.Buffer, string) {
	t.Helper()
	buffer, _, _, url := runHub(t, value)
	return buffer, url
}

func runHub(t *testing.T, value string) (*client.Buffer, *Hub, context.CancelFunc, string) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	buffer := client.NewBuffer(value)
	hub := newHub(buffer, log)
	buffer.OnChange(hub.changed)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(hub.serveWs))
	t.Cleanup(ts.Close)
	return buffer, hub, cancel, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func readSnapshot(t *testing.T, conn *websocket.Conn) protocol.Record {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var r protocol.Record
	require.NoError(t, json.Unmarshal(data, &r))
	require.True(t, r.IsSnapshot())
	return r
}

func TestTabSeesCurrentValue(t *testing.T) {
	_, url := startHub(t, "hello")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "hello", readSnapshot(t, conn).Value)
}

func TestTabEditsReachBufferAndOtherTabs(t *testing.T) {
	buffer, url := startHub(t, "")
	a, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer b.Close()
	readSnapshot(t, a)
	readSnapshot(t, b)

	start := protocol.Location{}
	end := protocol.Location{Column: 2}
	edit, err := json.Marshal(protocol.Record{Type: protocol.RecordInsert, Timestamp: time.Now(), Start: &start, End: &end, Lines: []string{"hi"}})
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, edit))

	assert.Equal(t, "hi", readSnapshot(t, b).Value)
	assert.Equal(t, "hi", readSnapshot(t, a).Value)
	assert.Equal(t, "hi", buffer.Value())

	// Garbage is ignored and the tab stays connected.
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{nope")))
	buffer.SetValue("from server")
	var last protocol.Record
	for last.Value != "from server" {
		last = readSnapshot(t, a)
	}
}

func TestTabsReleasedAfterHubStops(t *testing.T) {
	_, hub, stop, url := runHub(t, "")
	before, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer before.Close()
	readSnapshot(t, before)

	stop()
	select {
	case <-hub.done:
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}

	// Both the open tab and one arriving late are closed instead of
	// waiting on the stopped hub.
	before.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = before.ReadMessage()
	assert.Error(t, err)
	assert.False(t, isTimeout(err))

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
	assert.False(t, isTimeout(err))
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
