package landmarks

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Watch rebuilds h from the landmark file at path every time the file is written or replaced,
// until ctx is done. A reload that fails to parse is logged and the previous registry stays in place.
// The parent directory is watched so editors that save through a rename are picked up.
func Watch(ctx context.Context, path string, h *Handle, logger logging.Logger) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "error creating landmark map watcher")
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Debugw("error closing landmark map watcher", "error", err)
		}
	}()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "error watching %q", path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			Reload(path, h, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("landmark map watcher error", "error", err)
		}
	}
}

// Reload loads path into h, logging instead of returning failures.
func Reload(path string, h *Handle, logger logging.Logger) bool {
	set, err := Load(path)
	if err == nil {
		err = h.Build(set)
	}
	if err != nil {
		logger.Warnw("keeping previous landmark map", "path", path, "error", err)
		return false
	}
	logger.Infow("landmark map loaded", "path", path, "landmarks", len(set))
	return true
}
