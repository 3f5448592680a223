package registry

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"ngptd/internal/common/fsutil"
	"ngptd/pkg/ngpt"
	"ngptd/pkg/types"
)

// Watcher rescans a models directory when checkpoint files change and
// hands the fresh registry to a callback. Events are debounced so a
// checkpoint being written triggers one rescan, not one per chunk.
type Watcher struct {
	Dir      string
	Debounce time.Duration
	Logger   zerolog.Logger
	OnChange func([]types.Model)

	scanner *CheckpointScanner
}

// NewWatcher returns a watcher for dir with a 500ms debounce.
func NewWatcher(dir string, onChange func([]types.Model)) *Watcher {
	return &Watcher{
		Dir:      dir,
		Debounce: 500 * time.Millisecond,
		Logger:   zerolog.Nop(),
		OnChange: onChange,
		scanner:  NewCheckpointScanner(),
	}
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	base, err := fsutil.ExpandHome(w.Dir)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(base); err != nil {
		return err
	}
	w.scanner.Logger = w.Logger

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(strings.ToLower(ev.Name), ngpt.Ext) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.Logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("models dir changed")
			pending = time.After(w.Debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn().Err(err).Msg("watch error")
		case <-pending:
			pending = nil
			models, err := w.scanner.Scan(base)
			if err != nil {
				w.Logger.Warn().Err(err).Msg("rescan failed")
				continue
			}
			w.Logger.Info().Int("models", len(models)).Msg("registry rescanned")
			if w.OnChange != nil {
				w.OnChange(models)
			}
		}
	}
}
