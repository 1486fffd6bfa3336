package rendezvous

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/ggoodman/rendezvous-server-go/wire"
)

// Welcome holds the payload sent to every connection the moment it is
// established. The advertised version is fixed at construction; the MOTD can
// change at runtime, typically via WatchMOTD.
type Welcome struct {
	info atomic.Pointer[wire.WelcomeInfo]
}

func NewWelcome(currentVersion string) *Welcome {
	w := &Welcome{}
	w.info.Store(&wire.WelcomeInfo{CurrentVersion: currentVersion})
	return w
}

// Current returns a copy of the welcome payload as it stands right now.
func (w *Welcome) Current() wire.WelcomeInfo {
	return *w.info.Load()
}

// SetMOTD replaces the message-of-the-day. Clients display it and continue.
func (w *Welcome) SetMOTD(motd string) {
	cur := *w.info.Load()
	cur.MOTD = motd
	w.info.Store(&cur)
}

// SetError sets the fatal-error field. Clients display it and terminate, so
// this is the lever for draining a deployment.
func (w *Welcome) SetError(msg string) {
	cur := *w.info.Load()
	cur.Error = msg
	w.info.Store(&cur)
}

// WatchMOTD loads the MOTD from path and reloads it whenever the file
// changes, until ctx is done. The parent directory is watched rather than
// the file itself so editors that replace the file atomically still trigger
// a reload. Blocks; run it in its own goroutine.
func (w *Welcome) WatchMOTD(ctx context.Context, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	w.loadMOTD(path, log)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create motd watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch motd dir: %w", err)
	}

	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.loadMOTD(path, log)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("motd watcher error", slog.String("err", err.Error()))
		}
	}
}

func (w *Welcome) loadMOTD(path string, log *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("motd read failed", slog.String("err", err.Error()))
		}
		return
	}
	motd := strings.TrimRight(string(data), "\n")
	w.SetMOTD(motd)
	log.Info("motd loaded", slog.String("path", path))
}
