package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "deliverywatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.snapshot.json (periodic snapshot)
//   - <prefix>.state.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot. Pruning a day
// is journaled as an op so a replay after crash converges to the same
// state.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	dismissed map[string]map[int64]struct{}
	prefs     map[string]string

	writes int
}

type journalRecord struct {
	Op      string `json:"op"` // "dismiss", "prune", "pref"
	Day     string `json:"day,omitempty"`
	OrderID int64  `json:"order_id,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
}

type snapshot struct {
	Dismissed map[string][]int64 `json:"dismissed"`
	Prefs     map[string]string  `json:"prefs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		dismissed:    map[string]map[int64]struct{}{},
		prefs:        map[string]string{},
	}
	_ = s.loadSnapshot(snapPath)
	_ = s.replayJournal(journalPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) ListDismissed(ctx context.Context, day string) ([]int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.dismissed[day]
	if len(set) == 0 {
		return nil, nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (s *fileStore) AddDismissed(ctx context.Context, day string, orderID int64) error {
	_ = ctx
	if day == "" || orderID == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.dismissed[day]
	if set == nil {
		set = map[int64]struct{}{}
		s.dismissed[day] = set
	}
	if _, ok := set[orderID]; ok {
		return nil // idempotent; don't grow the journal
	}
	set[orderID] = struct{}{}
	return s.appendLocked(journalRecord{Op: "dismiss", Day: day, OrderID: orderID})
}

func (s *fileStore) PruneDismissed(ctx context.Context, keepDay string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := false
	for day := range s.dismissed {
		if day != keepDay {
			delete(s.dismissed, day)
			pruned = true
		}
	}
	if !pruned {
		return nil
	}
	return s.appendLocked(journalRecord{Op: "prune", Day: keepDay})
}

func (s *fileStore) GetPref(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.prefs[key]
	return v, ok, nil
}

func (s *fileStore) SetPref(ctx context.Context, key, value string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs[key] == value {
		return nil
	}
	s.prefs[key] = value
	return s.appendLocked(journalRecord{Op: "pref", Key: key, Value: value})
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%500 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{
		Dismissed: make(map[string][]int64, len(s.dismissed)),
		Prefs:     s.prefs,
	}
	for day, set := range s.dismissed {
		ids := make([]int64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		snap.Dismissed[day] = ids
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for day, ids := range snap.Dismissed {
		set := map[int64]struct{}{}
		for _, id := range ids {
			set[id] = struct{}{}
		}
		s.dismissed[day] = set
	}
	for k, v := range snap.Prefs {
		s.prefs[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "dismiss":
			if r.Day == "" || r.OrderID == 0 {
				continue
			}
			set := s.dismissed[r.Day]
			if set == nil {
				set = map[int64]struct{}{}
				s.dismissed[r.Day] = set
			}
			set[r.OrderID] = struct{}{}
		case "prune":
			for day := range s.dismissed {
				if day != r.Day {
					delete(s.dismissed, day)
				}
			}
		case "pref":
			if r.Key != "" {
				s.prefs[r.Key] = r.Value
			}
		}
	}
	return sc.Err()
}
