package signalbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/rustyeddy/termfleet/events"
)

// Watcher reports signals the terminals have consumed. It watches the
// inboxes of running accounts and publishes a SignalConsumed event when a
// signal file disappears.
type Watcher struct {
	box *Inbox
	fs  *fsnotify.Watcher
	pub events.Publisher
	log *slog.Logger

	mu      sync.Mutex
	watched map[string]string // dir -> account
	dropped map[string]string // purged ack id -> inbox dir
}

// NewWatcher creates a watcher. Call Run to start processing.
func NewWatcher(box *Inbox, pub events.Publisher, log *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if pub == nil {
		pub = events.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		box:     box,
		fs:      fs,
		pub:     pub,
		log:     log,
		watched: make(map[string]string),
		dropped: make(map[string]string),
	}, nil
}

// Watch starts following an account's inbox, creating it if needed.
func (w *Watcher) Watch(number string) error {
	dir := w.box.Dir(number)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; ok {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = number
	return nil
}

// Unwatch stops following an account's inbox.
func (w *Watcher) Unwatch(number string) {
	dir := w.box.Dir(number)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; !ok {
		return
	}
	delete(w.watched, dir)
	_ = w.fs.Remove(dir)
	for ackID, d := range w.dropped {
		if d == dir {
			delete(w.dropped, ackID)
		}
	}
}

// Purge removes an account's pending signals without reporting them as
// consumed. Purge before Unwatch; removals seen after Unwatch are ignored
// anyway.
func (w *Watcher) Purge(number string) (int, error) {
	dir := w.box.Dir(number)
	if ids, err := w.box.List(number); err == nil {
		w.mu.Lock()
		if _, ok := w.watched[dir]; ok {
			for _, ackID := range ids {
				w.dropped[ackID] = dir
			}
		}
		w.mu.Unlock()
	}
	return w.box.Purge(number)
}

// Watching reports whether an account's inbox is followed.
func (w *Watcher) Watching(number string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watched[w.box.Dir(number)]
	return ok
}

// Run processes file events until ctx stops, then closes the watcher.
func (w *Watcher) Run(ctx *stopper.Context) error {
	defer func() { _ = w.fs.Close() }()

	for {
		select {
		case <-ctx.Stopping():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("inbox watcher", slog.Any("error", err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	ackID, ok := ackOf(filepath.Base(ev.Name))
	if !ok {
		return
	}

	w.mu.Lock()
	number, watched := w.watched[filepath.Dir(ev.Name)]
	_, purged := w.dropped[ackID]
	delete(w.dropped, ackID)
	w.mu.Unlock()
	if !watched || purged {
		return
	}

	w.log.Info("signal consumed", slog.String("account", number), slog.String("ack_id", ackID))
	_ = w.pub.Publish(context.Background(), events.Event{
		Type:    events.SignalConsumed,
		Account: number,
		AckID:   ackID,
		Time:    time.Now(),
	})
}
