package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	logx "castbot/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore keeps subscribers in memory and persists them as
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only changes since the snapshot)
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	subs         map[int64]bool
	writes       int
}

type subscriberRecord struct {
	ID     int64 `json:"id"`
	Active bool  `json:"active"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	subs := map[int64]bool{}
	if err := loadSnapshot(snapPath, subs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, subs, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Info("file store opened", logx.String("prefix", prefix), logx.Int("subscribers", len(subs)))
	return &fileStore{log: log, snapshotPath: snapPath, journal: jf, subs: subs}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) ListActive(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.subs))
	for id, active := range s.subs {
		if active {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *fileStore) Deactivate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active, ok := s.subs[id]; !ok || !active {
		return nil
	}
	return s.setLocked(id, false)
}

func (s *fileStore) UpsertActive(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active, ok := s.subs[id]; ok && active {
		return nil
	}
	return s.setLocked(id, true)
}

func (s *fileStore) Counts(context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{Total: len(s.subs)}
	for _, active := range s.subs {
		if active {
			c.Active++
		}
	}
	return c, nil
}

func (s *fileStore) setLocked(id int64, active bool) error {
	if s.journal == nil {
		return errors.New("subscriber journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(subscriberRecord{ID: id, Active: active}); err != nil {
		return err
	}
	s.subs[id] = active
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("subscriber compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the full state to the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	recs := make([]subscriberRecord, 0, len(s.subs))
	for id, active := range s.subs {
		recs = append(recs, subscriberRecord{ID: id, Active: active})
	}
	slices.SortFunc(recs, func(a, b subscriberRecord) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[int64]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []subscriberRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		out[r.ID] = r.Active
	}
	return nil
}

func replayJournal(path string, out map[int64]bool, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		var r subscriberRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == 0 {
			// a torn final write is expected after a crash
			log.Warn("skipping bad journal line", logx.Int("line", line))
			continue
		}
		out[r.ID] = r.Active
	}
	return sc.Err()
}
