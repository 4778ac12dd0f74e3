package skills

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDelay is how long to wait for more file changes before
// reloading. Editors fire several events per save.
const debounceDelay = 500 * time.Millisecond

// Watch hot-reloads the registry when skill files change. It blocks
// until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return err
	}
	r.log.Info("watching skills directory", zap.String("dir", r.dir))

	ticker := time.NewTicker(debounceDelay)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.HasSuffix(event.Name, ".md") {
				dirty = true
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("skills watcher error", zap.Error(err))

		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if err := r.Reload(); err != nil {
				r.log.Warn("skills reload failed", zap.Error(err))
			}
		}
	}
}
