package client

import "mace/protocol"

// Editor is the live editor instance an Engine keeps in sync.
//
// OnChange listeners must be called synchronously from inside every mutation,
// including SetValue and Apply, and never while the editor holds a lock that
// Value or Cursor would need.
type Editor interface {
	Value() string
	SetValue(value string)
	// Apply replays one insert, remove, selection, cursor or snapshot record.
	Apply(r protocol.Record) error

	Cursor() protocol.Location
	SetCursor(protocol.Location)
	Selection() [2]protocol.Location
	SetSelection([2]protocol.Location)
	Focused() bool

	OnChange(fn func(protocol.Record)) (remove func())
}
