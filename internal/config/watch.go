package config

import (
	"errors"
	"io/fs"
	"log"

	"github.com/fsnotify/fsnotify"

	"github.com/relstate/relstate/internal/debug"
)

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Watch re-loads the config file on every write and hands the result to
// onChange. Only settings that are safe to apply live (verbose, metrics)
// should be consumed from reloads; address and storage changes need a
// restart. Returns a stop function.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				debug.Logf("config: reloading after %s", event.Op)
				cfg, err := Load(path)
				if err != nil {
					log.Printf("config: reload failed: %v", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: watcher: %v", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
