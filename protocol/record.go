// Package protocol defines the messages exchanged between mace clients and
// the mace server, and the records that carry editor changes inside them.
package protocol

import (
	"fmt"
	"time"
)

// RecordType identifies what kind of editor mutation a Record captures.
type RecordType string

const (
	RecordInsert    RecordType = "insert"
	RecordRemove    RecordType = "remove"
	RecordSelection RecordType = "selection"
	RecordCursor    RecordType = "cursor"
	RecordSnapshot  RecordType = "snapshot"
)

// Location is a row/column position in the editor. Both are zero based.
type Location struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

// Before reports whether l sorts strictly before o.
func (l Location) Before(o Location) bool {
	return l.Row < o.Row || (l.Row == o.Row && l.Column < o.Column)
}

// Record is one atomic capture of an editor mutation.
//
// Content records (insert, remove) carry Start, End and Lines the same way an
// Ace delta does. Selection records carry Start and End, cursor records carry
// Start. A snapshot carries the full Value plus the author's Cursor, selection
// (Start/End) and focus state, and supersedes every record before it.
type Record struct {
	Type      RecordType `json:"type"`
	ID        int        `json:"id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Start     *Location  `json:"start,omitempty"`
	End       *Location  `json:"end,omitempty"`
	Lines     []string   `json:"lines,omitempty"`
	Value     string     `json:"value,omitempty"`
	Cursor    *Location  `json:"cursor,omitempty"`
	Focused   bool       `json:"focused,omitempty"`
}

// NewSnapshot builds a snapshot record for value.
func NewSnapshot(value string, cursor Location, selection [2]Location, focused bool, now time.Time) Record {
	start, end := selection[0], selection[1]
	return Record{
		Type:      RecordSnapshot,
		Timestamp: now,
		Value:     value,
		Cursor:    &cursor,
		Start:     &start,
		End:       &end,
		Focused:   focused,
	}
}

// IsSnapshot reports whether r fully determines editor content.
func (r Record) IsSnapshot() bool {
	return r.Type == RecordSnapshot
}

func (r Record) Validate() error {
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: record missing timestamp", ErrInvalid)
	}
	for _, l := range []*Location{r.Start, r.End, r.Cursor} {
		if l != nil && (l.Row < 0 || l.Column < 0) {
			return fmt.Errorf("%w: negative location in %s record", ErrInvalid, r.Type)
		}
	}
	switch r.Type {
	case RecordInsert, RecordRemove:
		if r.Start == nil || r.End == nil {
			return fmt.Errorf("%w: %s record needs start and end", ErrInvalid, r.Type)
		}
		if len(r.Lines) == 0 {
			return fmt.Errorf("%w: %s record needs lines", ErrInvalid, r.Type)
		}
		if r.End.Before(*r.Start) {
			return fmt.Errorf("%w: %s record ends before it starts", ErrInvalid, r.Type)
		}
	case RecordSelection:
		if r.Start == nil || r.End == nil {
			return fmt.Errorf("%w: selection record needs start and end", ErrInvalid)
		}
	case RecordCursor:
		if r.Start == nil {
			return fmt.Errorf("%w: cursor record needs start", ErrInvalid)
		}
	case RecordSnapshot:
	default:
		return fmt.Errorf("%w: unknown record type %q", ErrInvalid, r.Type)
	}
	return nil
}
