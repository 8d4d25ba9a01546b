package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid message")

// Type is the discriminator carried in every message's "type" field.
type Type string

const (
	TypeUpdate Type = "update"
	TypeGet    Type = "get"
	TypeError  Type = "error"
)

// Message is one of *Update, *Get or *Error.
type Message interface {
	MessageType() Type
	Validate() error
}

// Update carries editor records. It is the only message the server
// broadcasts and the only one clients apply.
//
// When Streaming is set, Records is an incremental batch to replay in order.
// Otherwise the last record is an authoritative snapshot and earlier records
// may be ignored.
type Update struct {
	Type      Type     `json:"type"`
	EditorID  string   `json:"editorId"`
	View      string   `json:"view"`
	SaveID    string   `json:"saveId"`
	Local     bool     `json:"local"`
	Streaming bool     `json:"streaming"`
	Records   []Record `json:"records"`
}

func (*Update) MessageType() Type { return TypeUpdate }

func (u *Update) Validate() error {
	if u.Type != TypeUpdate {
		return fmt.Errorf("%w: type %q is not %q", ErrInvalid, u.Type, TypeUpdate)
	}
	if u.EditorID == "" {
		return fmt.Errorf("%w: update missing editorId", ErrInvalid)
	}
	if u.View == "" {
		return fmt.Errorf("%w: update missing view", ErrInvalid)
	}
	if u.SaveID == "" {
		return fmt.Errorf("%w: update missing saveId", ErrInvalid)
	}
	for i, r := range u.Records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	if !u.Streaming && len(u.Records) == 0 {
		return fmt.Errorf("%w: non-streaming update without records", ErrInvalid)
	}
	if !u.Streaming && !u.Records[len(u.Records)-1].IsSnapshot() {
		return fmt.Errorf("%w: non-streaming update must end in a snapshot", ErrInvalid)
	}
	return nil
}

// Snapshot returns the trailing snapshot record, if there is one.
func (u *Update) Snapshot() (Record, bool) {
	if len(u.Records) == 0 {
		return Record{}, false
	}
	last := u.Records[len(u.Records)-1]
	return last, last.IsSnapshot()
}

// Value returns the content carried by the trailing snapshot.
func (u *Update) Value() (string, bool) {
	r, ok := u.Snapshot()
	return r.Value, ok
}

// Trimmed returns a copy of u with Local cleared. Non-streaming updates keep
// only their trailing snapshot record.
func (u *Update) Trimmed() *Update {
	t := *u
	t.Local = false
	if !u.Streaming && len(u.Records) > 1 {
		t.Records = []Record{u.Records[len(u.Records)-1]}
	} else {
		t.Records = append([]Record(nil), u.Records...)
	}
	return &t
}

// Get asks the server to republish the latest known state of an editor.
type Get struct {
	Type     Type   `json:"type"`
	EditorID string `json:"editorId"`
	Local    bool   `json:"local"`
}

func (*Get) MessageType() Type { return TypeGet }

func (g *Get) Validate() error {
	if g.Type != TypeGet {
		return fmt.Errorf("%w: type %q is not %q", ErrInvalid, g.Type, TypeGet)
	}
	if g.EditorID == "" {
		return fmt.Errorf("%w: get missing editorId", ErrInvalid)
	}
	return nil
}

// Error codes sent by the server.
const (
	CodeTooLarge = "too_large"
	CodeInvalid  = "invalid"
)

// Error is the server's explicit rejection of a request.
type Error struct {
	Type     Type   `json:"type"`
	EditorID string `json:"editorId,omitempty"`
	SaveID   string `json:"saveId,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (*Error) MessageType() Type { return TypeError }

func (e *Error) Validate() error {
	if e.Type != TypeError {
		return fmt.Errorf("%w: type %q is not %q", ErrInvalid, e.Type, TypeError)
	}
	if e.Code == "" {
		return fmt.Errorf("%w: error missing code", ErrInvalid)
	}
	return nil
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Decode parses and validates one protocol frame.
func Decode(data []byte) (Message, error) {
	var peek struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var m Message
	switch peek.Type {
	case TypeUpdate:
		m = &Update{}
	case TypeGet:
		m = &Get{}
	case TypeError:
		m = &Error{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalid, peek.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode marshals m, filling in its type discriminator.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case *Update:
		m.Type = TypeUpdate
	case *Get:
		m.Type = TypeGet
	case *Error:
		m.Type = TypeError
	}
	return json.Marshal(m)
}
