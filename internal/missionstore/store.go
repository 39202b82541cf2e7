package missionstore

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tiiuae/missioncontroller/internal/types"
)

// FileStore serves the plan at a path, re-reading it only after the file
// changed on disk.
type FileStore struct {
	path   string
	limits Limits
	logger *log.Entry

	mu     sync.Mutex
	cached *types.MissionPlan

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewFileStore watches the directory holding path, since editors and git
// replace files rather than writing them in place.
func NewFileStore(path string, limits Limits) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "plan path")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create plan watcher")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(abs))
	}

	s := &FileStore{
		path:    abs,
		limits:  limits,
		logger:  log.WithFields(log.Fields{"component": "missionstore", "plan": abs}),
		watcher: watcher,
	}
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

func (s *FileStore) watch() {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.logger.Debugf("Plan file changed (%s)", event.Op)
				s.Invalidate()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warnf("Watcher error: %v", err)
		}
	}
}

// Load returns a copy of the current plan. A plan that fails validation
// is never cached, so fixing the file is enough to recover.
func (s *FileStore) Load(ctx context.Context) (*types.MissionPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached.Clone(), nil
	}

	plan, err := LoadFile(s.path, s.limits)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("actions", len(plan.Actions)).Infof("Loaded plan %s", plan.ID)
	s.cached = plan
	return plan.Clone(), nil
}

// Sync drops the cached plan so the next Load reads the file again.
func (s *FileStore) Sync(ctx context.Context) error {
	s.Invalidate()
	return ctx.Err()
}

func (s *FileStore) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *FileStore) Close() error {
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}
