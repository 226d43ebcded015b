package lifestore

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reports namespaces whose file slots change under a FileBackend
// directory, including edits made by other processes.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	log     zerolog.Logger
}

func NewWatcher(dir string, log zerolog.Logger) (*Watcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		dir:     dir,
		watcher: fw,
		log:     log.With().Str("component", "lifestore.watcher").Logger(),
	}, nil
}

// Run blocks until ctx is done, calling onChange for every registered
// namespace whose slot file is created, written, renamed or removed.
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			ns, ok := namespaceFromFile(event.Name)
			if !ok || !IsRegistered(ns) {
				continue
			}
			w.log.Debug().Str("namespace", string(ns)).Str("op", event.Op.String()).Msg("namespace slot changed")
			if onChange != nil {
				onChange(ns)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
