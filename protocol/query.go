package protocol

import (
	"fmt"
	"net/url"
	"time"
)

// Keepalive frames exchanged as plain text. They never reach Decode.
const (
	Ping = "ping"
	Pong = "pong"
)

// IsKeepalive reports whether a text frame is a keepalive rather than a
// protocol message.
func IsKeepalive(data []byte) bool {
	s := string(data)
	return s == Ping || s == Pong
}

// ConnectionQuery is the handshake carried in the websocket URL.
type ConnectionQuery struct {
	Client      string
	Version     string
	Commit      string
	GoogleToken string
}

func ParseConnectionQuery(v url.Values) (ConnectionQuery, error) {
	q := ConnectionQuery{
		Client:      v.Get("client"),
		Version:     v.Get("version"),
		Commit:      v.Get("commit"),
		GoogleToken: v.Get("googleToken"),
	}
	if q.Client == "" && q.GoogleToken == "" {
		return q, fmt.Errorf("%w: connection needs client or googleToken", ErrInvalid)
	}
	return q, nil
}

func (q ConnectionQuery) Values() url.Values {
	v := url.Values{}
	v.Set("client", q.Client)
	if q.Version != "" {
		v.Set("version", q.Version)
	}
	if q.Commit != "" {
		v.Set("commit", q.Commit)
	}
	if q.GoogleToken != "" {
		v.Set("googleToken", q.GoogleToken)
	}
	return v
}

// ServerClient pairs the server's and the client's view of one build field.
type ServerClient struct {
	Server string `json:"server" bson:"server"`
	Client string `json:"client" bson:"client"`
}

// Versions is stored next to every persisted update.
type Versions struct {
	Version ServerClient `json:"version" bson:"version"`
	Commit  ServerClient `json:"commit" bson:"commit"`
}

type Counts struct {
	Client int64 `json:"client"`
	Update int64 `json:"update"`
	Get    int64 `json:"get"`
}

// Status is returned by the server for plain (non-websocket) requests.
type Status struct {
	Started         time.Time `json:"started"`
	Version         string    `json:"version"`
	Commit          string    `json:"commit"`
	Counts          Counts    `json:"counts"`
	GoogleClientIDs []string  `json:"googleClientIDs"`
}
