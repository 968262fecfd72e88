package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when files in the audit
// directory change. The serve process is read-only over the trail —
// records are appended by other invocations of the CLI — so it watches
// the segment files to keep the dashboard live feed and the advisory
// digest spot-checks current.
type WatchTargets struct {
	// OnSegmentChange fires when an audit_YYYYMMDD.jsonl segment file
	// is written or created, with the segment's YYYYMMDD date.
	OnSegmentChange func(date string)

	// OnDigestChange fires when an integrity_YYYYMMDD.hash sidecar is
	// written or created, with the segment's YYYYMMDD date.
	OnDigestChange func(date string)
}

// Watcher monitors the audit directory for file changes using fsnotify,
// firing the appropriate callback when a segment or digest changes.
//
// The watcher runs a background goroutine that processes fsnotify
// events. Call Close() to stop it and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given audit directory.
//
// The watcher immediately starts processing events in a background
// goroutine. Events are debounced naturally by fsnotify — rapid
// successive writes typically produce a single event.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("audit directory watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write and create events matter — remove or rename of
			// a segment is caught by verification, not by the feed.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			switch {
			case strings.HasPrefix(name, "audit_") && strings.HasSuffix(name, ".jsonl"):
				date := strings.TrimSuffix(strings.TrimPrefix(name, "audit_"), ".jsonl")
				if targets.OnSegmentChange != nil {
					targets.OnSegmentChange(date)
				}
			case strings.HasPrefix(name, "integrity_") && strings.HasSuffix(name, ".hash"):
				date := strings.TrimSuffix(strings.TrimPrefix(name, "integrity_"), ".hash")
				if targets.OnDigestChange != nil {
					targets.OnDigestChange(date)
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		// Already closed.
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
