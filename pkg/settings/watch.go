package settings

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the reloaded settings whenever the file at
// path is written or replaced, until ctx is done. The directory is
// watched so editors that save by renaming are seen too.
func Watch(ctx context.Context, path string, onChange func(NodeSettings), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch settings dir: %w", err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				s, err := Load(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				onChange(s)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}
