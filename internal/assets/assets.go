// Package assets loads the optional text banners shown to clients.
//
// Three plain-text files may live in the config directory:
//
//   - banner.txt: sent by the SSH server before authentication.
//   - fakelogin.txt: written after the shell opens, during the login delay.
//   - goodbye.txt: written after the last loop, just before disconnecting.
//
// A missing file means the corresponding write is skipped. [Store.Watch]
// reloads the set when any of them changes on disk.
package assets

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

const (
	BannerFile    = "banner.txt"
	FakeLoginFile = "fakelogin.txt"
	GoodbyeFile   = "goodbye.txt"
)

// Banners is an immutable snapshot of the text assets. A nil field means the
// file was absent.
type Banners struct {
	PreConnect *string
	FakeLogin  *string
	Goodbye    *string
}

// Store holds the current Banners for a directory.
type Store struct {
	dir     string
	current atomic.Pointer[Banners]
}

// Load reads all banners from dir.
func Load(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Static returns a Store that always serves b. Used by tests and callers that
// do not read banners from disk.
func Static(b Banners) *Store {
	s := &Store{}
	s.current.Store(&b)
	return s
}

// Current returns the latest snapshot.
func (s *Store) Current() Banners {
	return *s.current.Load()
}

// Reload re-reads every banner file. On error the previous snapshot stays.
func (s *Store) Reload() error {
	var b Banners
	for _, f := range []struct {
		name string
		dst  **string
	}{
		{BannerFile, &b.PreConnect},
		{FakeLoginFile, &b.FakeLogin},
		{GoodbyeFile, &b.Goodbye},
	} {
		text, err := readOptional(filepath.Join(s.dir, f.name))
		if err != nil {
			return err
		}
		*f.dst = text
	}
	s.current.Store(&b)
	return nil
}

func readOptional(path string) (*string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	text := string(data)
	return &text, nil
}

// Watch reloads the banners whenever a file in the directory changes, until
// ctx is cancelled. It returns once the watcher is running.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

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
				if !isBannerFile(event.Name) {
					continue
				}
				if err := s.Reload(); err != nil {
					log.Printf("[assets] reload after %s: %v", event.Op, err)
					continue
				}
				log.Printf("[assets] reloaded banners (%s %s)", event.Op, filepath.Base(event.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[assets] watcher error: %v", err)
			}
		}
	}()
	return nil
}

func isBannerFile(path string) bool {
	switch filepath.Base(path) {
	case BannerFile, FakeLoginFile, GoodbyeFile:
		return true
	}
	return false
}
