package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gzhole/moltshield/internal/governor"
)

const (
	lockWait  = 2 * time.Second
	lockStale = 30 * time.Second
	lockPoll  = 10 * time.Millisecond
)

// FileStore keeps one JSON file per agent under dir. Writes go to a temp
// file that is renamed into place, so a crash leaves the old or the new
// state and never a torn one. The version compare and the rename run under
// an O_EXCL lock file, so processes sharing dir cannot both win a save.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(agentID string) string {
	return filepath.Join(s.dir, url.PathEscape(agentID)+".json")
}

func (s *FileStore) Load(_ context.Context, agentID string) (governor.RateState, error) {
	var st governor.RateState
	data, err := os.ReadFile(s.path(agentID))
	if errors.Is(err, fs.ErrNotExist) {
		return st, governor.ErrNoState
	}
	if err != nil {
		return st, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode state for %s: %w", agentID, err)
	}
	return st, nil
}

func (s *FileStore) Save(ctx context.Context, agentID string, st governor.RateState) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	path := s.path(agentID)
	unlock, err := lockFile(ctx, path+".lock")
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.Load(ctx, agentID)
	if err != nil && !errors.Is(err, governor.ErrNoState) {
		return err
	}
	if current.Version != st.Version {
		return governor.ErrStateConflict
	}

	st.Version++
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// lockFile creates path exclusively, waiting up to lockWait for another
// holder. A lock older than lockStale is left over from a crash and is
// broken.
func lockFile(ctx context.Context, path string) (func(), error) {
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock state: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStale {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock state: %s is held", path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

func (s *FileStore) Close() error { return nil }
