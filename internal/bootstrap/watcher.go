package bootstrap

import (
	"go.uber.org/zap"

	"github.com/fsnotify/fsnotify"

	"github.com/batata-io/batata/internal/berrors"
)

// Watcher watches the bootstrap config file on disk and republishes its
// LiveConfig section on every write/create event. Generalized from the
// teacher's ConfigSnapshot watcher: same non-blocking-send-with-drop
// channel discipline, narrowed to the fields that are actually safe to
// apply without restarting the process.
type Watcher struct {
	path    string
	log     *zap.SugaredLogger
	updates chan LiveConfig
	fsw     *fsnotify.Watcher
}

func NewWatcher(path string, log *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, berrors.Internal(err, "start config file watcher")
	}
	return &Watcher{
		path:    path,
		log:     log,
		updates: make(chan LiveConfig, 10),
		fsw:     fsw,
	}, nil
}

// Updates returns the channel republished LiveConfig values arrive on.
func (w *Watcher) Updates() <-chan LiveConfig { return w.updates }

// Run loads the file once, then blocks watching it until the file
// watcher's event channel closes (typically via Close).
func (w *Watcher) Run() error {
	defer w.fsw.Close()

	if err := w.reload(); err != nil {
		w.log.Warnw("initial config load failed", "path", w.path, "err", err)
	}
	if err := w.fsw.Add(w.path); err != nil {
		return berrors.Internal(err, "watch config file %s", w.path)
	}
	w.log.Infow("watching config file", "path", w.path)

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := w.reload(); err != nil {
					w.log.Warnw("config reload failed", "path", w.path, "err", err)
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warnw("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) Close() error { return w.fsw.Close() }

func (w *Watcher) reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	select {
	case w.updates <- cfg.Live:
		w.log.Infow("config reloaded", "path", w.path, "logLevel", cfg.Live.LogLevel)
	default:
		w.log.Warnw("config update channel full, dropping reload", "path", w.path)
	}
	return nil
}
