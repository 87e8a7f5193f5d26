package profile

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/maydaying/conveyor/internal/logging"
)

// Store holds profiles loaded from a directory of YAML files, keyed by
// file basename without extension, and keeps them current via an fsnotify
// watch on the directory.
type Store struct {
	dir string

	mu       sync.RWMutex
	profiles map[string]*Profile

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads every *.yaml/*.yml file in dir and starts watching it for
// changes. Call Close to stop the watch goroutine.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		dir:      dir,
		profiles: make(map[string]*Profile),
		done:     make(chan struct{}),
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	s.watcher = watcher

	go s.watchLoop()

	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	loaded := make(map[string]*Profile, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isProfileFile(entry.Name()) {
			continue
		}
		p, err := loadProfile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			logging.WithComponent("profile").Warn().
				Err(err).Str("file", entry.Name()).Msg("skipping unreadable profile")
			continue
		}
		loaded[profileKey(entry.Name())] = p
	}

	s.mu.Lock()
	s.profiles = loaded
	s.mu.Unlock()
	return nil
}

func (s *Store) watchLoop() {
	log := logging.WithComponent("profile")
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isProfileFile(event.Name) {
				continue
			}
			key := profileKey(filepath.Base(event.Name))
			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				s.mu.Lock()
				delete(s.profiles, key)
				s.mu.Unlock()
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				p, err := loadProfile(event.Name)
				if err != nil {
					log.Warn().Err(err).Str("file", event.Name).Msg("profile reload failed, keeping previous version")
					continue
				}
				s.mu.Lock()
				s.profiles[key] = p
				s.mu.Unlock()
				log.Info().Str("profile", key).Msg("profile reloaded")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("profile watch error")
		}
	}
}

// Get returns the profile loaded from <name>.yaml (or .yml), if any.
func (s *Store) Get(name string) (*Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[name]
	return p, ok
}

// Names returns every currently loaded profile name.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	return names
}

// Close stops the watch goroutine and releases the fsnotify handle.
func (s *Store) Close() error {
	close(s.done)
	return s.watcher.Close()
}

func isProfileFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func profileKey(basename string) string {
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = profileKey(filepath.Base(path))
	}
	return &p, nil
}
