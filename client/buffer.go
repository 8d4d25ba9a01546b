package client

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mace/protocol"
)

// Buffer is an in-memory, line based Editor. Columns count runes.
type Buffer struct {
	mu        sync.Mutex
	lines     [][]rune
	cursor    protocol.Location
	selection [2]protocol.Location
	focused   bool
	now       func() time.Time

	listeners    map[int]func(protocol.Record)
	nextListener int
}

func NewBuffer(value string) *Buffer {
	return &Buffer{
		lines:     splitLines(value),
		now:       time.Now,
		listeners: make(map[int]func(protocol.Record)),
	}
}

func splitLines(value string) [][]rune {
	parts := strings.Split(value, "\n")
	lines := make([][]rune, len(parts))
	for i, p := range parts {
		lines[i] = []rune(p)
	}
	return lines
}

func toStrings(lines [][]rune) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}

func (b *Buffer) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.valueLocked()
}

func (b *Buffer) valueLocked() string {
	return strings.Join(toStrings(b.lines), "\n")
}

func (b *Buffer) endLocked() protocol.Location {
	last := len(b.lines) - 1
	return protocol.Location{Row: last, Column: len(b.lines[last])}
}

func (b *Buffer) validLocked(l protocol.Location) bool {
	return l.Row >= 0 && l.Column >= 0 && l.Row < len(b.lines) && l.Column <= len(b.lines[l.Row])
}

func (b *Buffer) clampLocked(l protocol.Location) protocol.Location {
	if l.Row < 0 {
		return protocol.Location{}
	}
	if l.Row >= len(b.lines) {
		return b.endLocked()
	}
	if l.Column < 0 {
		l.Column = 0
	}
	if n := len(b.lines[l.Row]); l.Column > n {
		l.Column = n
	}
	return l
}

func (b *Buffer) record(t protocol.RecordType, start, end protocol.Location, lines []string) protocol.Record {
	return protocol.Record{Type: t, Timestamp: b.now(), Start: &start, End: &end, Lines: lines}
}

// SetValue replaces the whole content. Listeners see a remove of the old
// content followed by an insert of the new one.
func (b *Buffer) SetValue(value string) {
	b.mu.Lock()
	old := b.valueLocked()
	if old == value {
		b.mu.Unlock()
		return
	}
	var records []protocol.Record
	if old != "" {
		records = append(records, b.record(protocol.RecordRemove, protocol.Location{}, b.endLocked(), toStrings(b.lines)))
	}
	b.lines = splitLines(value)
	if value != "" {
		records = append(records, b.record(protocol.RecordInsert, protocol.Location{}, b.endLocked(), toStrings(b.lines)))
	}
	b.cursor = b.clampLocked(b.cursor)
	b.selection = [2]protocol.Location{b.clampLocked(b.selection[0]), b.clampLocked(b.selection[1])}
	b.mu.Unlock()
	b.emit(records...)
}

// Insert adds text at a position and returns where the inserted text ends.
func (b *Buffer) Insert(at protocol.Location, text string) (protocol.Location, error) {
	b.mu.Lock()
	lines := strings.Split(text, "\n")
	end, err := b.insertLocked(at, lines)
	if err != nil || text == "" {
		b.mu.Unlock()
		return end, err
	}
	r := b.record(protocol.RecordInsert, at, end, lines)
	b.mu.Unlock()
	b.emit(r)
	return end, nil
}

// Remove deletes the text between start and end.
func (b *Buffer) Remove(start, end protocol.Location) error {
	b.mu.Lock()
	removed, err := b.removeLocked(start, end)
	if err != nil || start == end {
		b.mu.Unlock()
		return err
	}
	r := b.record(protocol.RecordRemove, start, end, removed)
	b.mu.Unlock()
	b.emit(r)
	return nil
}

func (b *Buffer) insertLocked(at protocol.Location, lines []string) (protocol.Location, error) {
	if !b.validLocked(at) {
		return at, fmt.Errorf("insert at %d:%d is outside the buffer", at.Row, at.Column)
	}
	row := b.lines[at.Row]
	head := append([]rune(nil), row[:at.Column]...)
	tail := append([]rune(nil), row[at.Column:]...)

	if len(lines) == 1 {
		added := []rune(lines[0])
		b.lines[at.Row] = append(append(head, added...), tail...)
		return protocol.Location{Row: at.Row, Column: at.Column + len(added)}, nil
	}

	n := len(lines)
	replacement := make([][]rune, 0, n)
	replacement = append(replacement, append(head, []rune(lines[0])...))
	for _, l := range lines[1 : n-1] {
		replacement = append(replacement, []rune(l))
	}
	last := []rune(lines[n-1])
	end := protocol.Location{Row: at.Row + n - 1, Column: len(last)}
	replacement = append(replacement, append(last, tail...))

	updated := make([][]rune, 0, len(b.lines)+n-1)
	updated = append(updated, b.lines[:at.Row]...)
	updated = append(updated, replacement...)
	updated = append(updated, b.lines[at.Row+1:]...)
	b.lines = updated
	return end, nil
}

func (b *Buffer) removeLocked(start, end protocol.Location) ([]string, error) {
	if !b.validLocked(start) || !b.validLocked(end) {
		return nil, fmt.Errorf("remove %d:%d-%d:%d is outside the buffer", start.Row, start.Column, end.Row, end.Column)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("remove ends before it starts")
	}
	first, last := b.lines[start.Row], b.lines[end.Row]
	if start.Row == end.Row {
		removed := []string{string(first[start.Column:end.Column])}
		b.lines[start.Row] = append(append([]rune(nil), first[:start.Column]...), first[end.Column:]...)
		return removed, nil
	}

	removed := []string{string(first[start.Column:])}
	removed = append(removed, toStrings(b.lines[start.Row+1:end.Row])...)
	removed = append(removed, string(last[:end.Column]))

	joined := append(append([]rune(nil), first[:start.Column]...), last[end.Column:]...)
	updated := make([][]rune, 0, len(b.lines)-(end.Row-start.Row))
	updated = append(updated, b.lines[:start.Row]...)
	updated = append(updated, joined)
	updated = append(updated, b.lines[end.Row+1:]...)
	b.lines = updated
	return removed, nil
}

func (b *Buffer) Apply(r protocol.Record) error {
	switch r.Type {
	case protocol.RecordInsert:
		if r.Start == nil {
			return fmt.Errorf("insert record without start")
		}
		_, err := b.Insert(*r.Start, strings.Join(r.Lines, "\n"))
		return err
	case protocol.RecordRemove:
		if r.Start == nil || r.End == nil {
			return fmt.Errorf("remove record without range")
		}
		return b.Remove(*r.Start, *r.End)
	case protocol.RecordSelection:
		if r.Start == nil || r.End == nil {
			return fmt.Errorf("selection record without range")
		}
		b.SetSelection([2]protocol.Location{*r.Start, *r.End})
	case protocol.RecordCursor:
		if r.Start == nil {
			return fmt.Errorf("cursor record without position")
		}
		b.SetCursor(*r.Start)
	case protocol.RecordSnapshot:
		b.SetValue(r.Value)
	default:
		return fmt.Errorf("unknown record type %q", r.Type)
	}
	return nil
}

func (b *Buffer) Cursor() protocol.Location {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

func (b *Buffer) SetCursor(l protocol.Location) {
	b.mu.Lock()
	l = b.clampLocked(l)
	if l == b.cursor {
		b.mu.Unlock()
		return
	}
	b.cursor = l
	r := protocol.Record{Type: protocol.RecordCursor, Timestamp: b.now(), Start: &l}
	b.mu.Unlock()
	b.emit(r)
}

func (b *Buffer) Selection() [2]protocol.Location {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selection
}

func (b *Buffer) SetSelection(sel [2]protocol.Location) {
	b.mu.Lock()
	sel = [2]protocol.Location{b.clampLocked(sel[0]), b.clampLocked(sel[1])}
	if sel == b.selection {
		b.mu.Unlock()
		return
	}
	b.selection = sel
	r := b.record(protocol.RecordSelection, sel[0], sel[1], nil)
	b.mu.Unlock()
	b.emit(r)
}

func (b *Buffer) Focused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.focused
}

func (b *Buffer) SetFocused(focused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.focused = focused
}

func (b *Buffer) OnChange(fn func(protocol.Record)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextListener
	b.nextListener++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *Buffer) emit(records ...protocol.Record) {
	if len(records) == 0 {
		return
	}
	b.mu.Lock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(protocol.Record), len(ids))
	for i, id := range ids {
		fns[i] = b.listeners[id]
	}
	b.mu.Unlock()

	for _, r := range records {
		for _, fn := range fns {
			fn(r)
		}
	}
}
