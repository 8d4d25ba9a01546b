package client

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"mace/protocol"
)

const (
	DefaultAutoSaveDelay = time.Second
	seenSaves            = 64
)

var (
	ErrNotConnected = errors.New("mace server not connected")
	ErrStopped      = errors.New("editor stopped")
)

// Options control how an Engine captures and sends local changes.
type Options struct {
	// Streaming sends every local change on its own as soon as it happens.
	// Otherwise changes are batched and sent ending in a snapshot.
	Streaming bool
	// AutoSave saves once AutoSaveDelay passes without a local change.
	// It has no effect when streaming.
	AutoSave      bool
	AutoSaveDelay time.Duration
	// LocalOnly keeps saves inside the Provider; nothing is sent to the
	// server.
	LocalOnly bool

	// OnSaved is called when a save this engine issued completes.
	OnSaved func(saveID string)
	// OnExternalUpdate is called after someone else's update was applied.
	OnExternalUpdate func(*protocol.Update)
	// OnError is called when the server refuses one of this editor's
	// messages.
	OnError func(*protocol.Error)
}

// Engine keeps one registered editor in sync. It is created by
// Provider.Register and lives until Stop.
type Engine struct {
	p      *Provider
	id     string
	view   string
	editor Editor
	opts   Options
	log    *logrus.Entry

	mu         sync.Mutex
	pending    []protocol.Record
	seq        int
	enabled    bool
	stopped    bool
	// inFlight is the save id awaiting its completion echo.
	inFlight   string
	duplicates int

	// applyMu serializes remote applies; applying is set for their whole
	// duration so the change listener ignores what they do to the editor.
	applyMu  sync.Mutex
	applying atomic.Bool
	seen     *lru.Cache[string, struct{}]

	debounce       *debouncer
	removeListener func()
	busSub         *Subscription
}

func newEngine(p *Provider, editorID, view string, editor Editor, opts Options) *Engine {
	if opts.AutoSaveDelay <= 0 {
		opts.AutoSaveDelay = DefaultAutoSaveDelay
	}
	seen, _ := lru.New[string, struct{}](seenSaves)
	e := &Engine{
		p:       p,
		id:      editorID,
		view:    view,
		editor:  editor,
		opts:    opts,
		log:     p.log.WithFields(logrus.Fields{"editorId": editorID, "view": view}),
		enabled: true,
		seen:    seen,
	}
	e.debounce = newDebouncer(p.clock, opts.AutoSaveDelay, e.autoSave)
	return e
}

func (e *Engine) EditorID() string { return e.id }

func (e *Engine) View() string { return e.view }

// Duplicates counts remote updates dropped as already applied or empty.
func (e *Engine) Duplicates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duplicates
}

// capture is the editor's change listener.
func (e *Engine) capture(r protocol.Record) {
	if e.applying.Load() {
		return
	}
	e.mu.Lock()
	if e.stopped || !e.enabled {
		e.mu.Unlock()
		return
	}
	e.seq++
	r.ID = e.seq
	if r.Timestamp.IsZero() {
		r.Timestamp = e.p.clock.Now()
	}
	e.pending = append(e.pending, r)
	e.mu.Unlock()

	switch {
	case e.opts.Streaming:
		if err := e.Save(false); err != nil {
			e.log.WithError(err).Debug("streaming save deferred")
		}
	case e.opts.AutoSave:
		e.debounce.reset()
	}
}

func (e *Engine) autoSave() {
	if err := e.Save(false); err != nil {
		e.log.WithError(err).Info("autosave failed")
	}
}

// Save sends pending local changes. Without force it does nothing when
// there are none. A streaming engine never sends an empty batch, forced or
// not, since it would carry no snapshot. A server backed save while disconnected fails with
// ErrNotConnected and keeps the changes pending.
func (e *Engine) Save(force bool) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if !e.enabled || (len(e.pending) == 0 && (!force || e.opts.Streaming)) {
		e.mu.Unlock()
		return nil
	}
	if !e.opts.LocalOnly && !e.p.Connected() {
		e.mu.Unlock()
		return ErrNotConnected
	}

	pending := e.pending
	records := append([]protocol.Record(nil), pending...)
	if !e.opts.Streaming {
		records = append(records, protocol.NewSnapshot(
			e.editor.Value(), e.editor.Cursor(), e.editor.Selection(), e.editor.Focused(), e.p.clock.Now()))
	}
	saveID := ulid.Make().String()
	e.inFlight = saveID
	e.pending = nil
	e.debounce.cancel()
	e.mu.Unlock()

	u := &protocol.Update{
		Type:      protocol.TypeUpdate,
		EditorID:  e.id,
		View:      e.view,
		SaveID:    saveID,
		Local:     true,
		Streaming: e.opts.Streaming,
		Records:   records,
	}
	e.p.publishLocal(u)
	if e.opts.LocalOnly {
		return nil
	}

	out := *u
	out.Local = false
	if err := e.p.send(&out); err != nil {
		e.mu.Lock()
		e.pending = append(pending, e.pending...)
		e.mu.Unlock()
		return err
	}
	e.log.WithField("saveId", saveID).Debug("save sent")
	return nil
}

// Enable resumes capture. Disabling first flushes a forced save.
func (e *Engine) Enable(enabled bool) error {
	if enabled {
		e.mu.Lock()
		e.enabled = true
		e.mu.Unlock()
		return nil
	}
	err := e.Save(true)
	e.mu.Lock()
	e.enabled = false
	e.debounce.cancel()
	e.mu.Unlock()
	return err
}

// Stop detaches the engine from its editor and provider. It is idempotent
// and safe to call from the engine's own callbacks.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.pending = nil
	e.debounce.cancel()
	remove := e.removeListener
	e.mu.Unlock()

	if remove != nil {
		remove()
	}
	e.p.unregister(e)
}

// handle reconciles an update for this editor, from the server or from a
// sibling engine of the same provider. Callbacks run after applyMu is
// released, so they may save or edit the editor again.
func (e *Engine) handle(u *protocol.Update) {
	if done := e.reconcile(u); done != nil {
		done()
	}
}

// reconcile applies u if it is someone else's and returns the callback to
// run once the engine is unlocked, if any.
func (e *Engine) reconcile(u *protocol.Update) func() {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	own := u.SaveID != "" && u.SaveID == e.inFlight
	switch {
	case u.Local && u.View == e.view:
		// Our own save seen on the provider's bus. It completes the save
		// only when no server is involved.
		if !own || !e.opts.LocalOnly {
			e.mu.Unlock()
			return nil
		}
		e.inFlight = ""
		e.mu.Unlock()
		return func() { e.saved(u.SaveID) }
	case own:
		e.inFlight = ""
		e.mu.Unlock()
		return func() { e.saved(u.SaveID) }
	case u.View == e.view:
		e.mu.Unlock()
		return nil
	case len(u.Records) == 0 || e.seen.Contains(u.SaveID):
		e.duplicates++
		e.mu.Unlock()
		return nil
	}
	e.seen.Add(u.SaveID, struct{}{})
	e.mu.Unlock()

	if err := e.apply(u); err != nil {
		e.log.WithError(err).WithField("saveId", u.SaveID).Warn("apply remote update")
		return nil
	}
	if e.opts.OnExternalUpdate == nil {
		return nil
	}
	return func() { e.opts.OnExternalUpdate(u) }
}

func (e *Engine) saved(saveID string) {
	if e.opts.OnSaved != nil {
		e.opts.OnSaved(saveID)
	}
}

func (e *Engine) handleError(m *protocol.Error) {
	e.log.WithField("code", m.Code).Warn(m.Message)
	if e.opts.OnError != nil {
		e.opts.OnError(m)
	}
}

// quiet suspends local capture until the returned release is called.
func (e *Engine) quiet() (release func()) {
	e.applying.Store(true)
	return func() { e.applying.Store(false) }
}

func (e *Engine) apply(u *protocol.Update) error {
	release := e.quiet()
	defer release()

	cursor, selection, focused := e.editor.Cursor(), e.editor.Selection(), e.editor.Focused()
	keepLocal := true

	if u.Streaming {
		for _, r := range u.Records {
			if err := e.editor.Apply(r); err != nil {
				return err
			}
		}
		keepLocal = focused
	} else {
		snap, ok := u.Snapshot()
		if !ok {
			return errors.New("non-streaming update without snapshot")
		}
		e.editor.SetValue(snap.Value)
		if !focused && snap.Focused && snap.Cursor != nil {
			keepLocal = false
			if snap.Start != nil && snap.End != nil {
				e.editor.SetSelection([2]protocol.Location{*snap.Start, *snap.End})
			}
			e.editor.SetCursor(*snap.Cursor)
		}
	}

	if keepLocal {
		e.editor.SetSelection(selection)
		e.editor.SetCursor(cursor)
	}
	return nil
}
