package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nullrunner/mcp-gateway/pkg/log"
)

// ChangeSource notifies Manager when the on-disk/remote configuration may
// have changed. Changes is closed when Stop is called.
type ChangeSource interface {
	Changes() <-chan struct{}
	Stop() error
}

// filesystemWatch watches config/*.{yaml,yml,json} via fsnotify, debouncing
// bursts of events (editors frequently emit several writes per save) into a
// single notification, per §4.12's "debounce file events" rule.
type filesystemWatch struct {
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
}

// NewFilesystemWatch watches dir for changes to its config files.
func NewFilesystemWatch(dir string, debounce time.Duration) (ChangeSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &filesystemWatch{
		watcher: watcher,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.run(debounce)
	return w, nil
}

func (w *filesystemWatch) run(debounce time.Duration) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config: filesystem watch error: %v", err)

		case <-w.done:
			return
		}
	}
}

func (w *filesystemWatch) Changes() <-chan struct{} { return w.changes }

func (w *filesystemWatch) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

// remoteSignalWatch is the edge-host platform adapter: reload is triggered
// by an external signal (e.g. polling a remote revision marker) rather than
// filesystem events. Poll supplies the current revision; a change in its
// return value triggers a notification.
type remoteSignalWatch struct {
	changes chan struct{}
	cancel  context.CancelFunc
}

// NewRemoteSignalWatch polls poll at the given interval and emits a change
// notification whenever its returned revision differs from the last seen
// value.
func NewRemoteSignalWatch(ctx context.Context, interval time.Duration, poll func(ctx context.Context) (string, error)) ChangeSource {
	ctx, cancel := cancelCtx(ctx)
	w := &remoteSignalWatch{changes: make(chan struct{}, 1), cancel: cancel}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last string
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rev, err := poll(ctx)
				if err != nil {
					log.Warnf("config: remote revision poll failed: %v", err)
					continue
				}
				if rev != last {
					last = rev
					select {
					case w.changes <- struct{}{}:
					default:
					}
				}
			}
		}
	}()

	return w
}

func (w *remoteSignalWatch) Changes() <-chan struct{} { return w.changes }

func (w *remoteSignalWatch) Stop() error {
	w.cancel()
	return nil
}

func cancelCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(ctx)
}
