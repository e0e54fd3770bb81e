package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	logx "watchbot/pkg/logx"
)

const fileCompactEvery = 500

// fileStore keeps every job in memory and persists changes as a journal.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.jobs.snapshot.json   (compacted jobs + scheduler state)
//   - <prefix>.jobs.journal.jsonl   (append-only journal since the snapshot)
//
// A torn trailing journal line is skipped on replay, so each write is either
// fully applied or not at all.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	idx *Memory

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	writes       int
}

type fileSnapshot struct {
	Jobs  map[job.ID]job.Job `json:"jobs"`
	State json.RawMessage    `json:"state,omitempty"`
}

type journalRecord struct {
	Op    string          `json:"op"` // put | del | state
	ID    job.ID          `json:"id,omitempty"`
	Job   *job.Job        `json:"job,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
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

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	idx := NewMemory()
	if err := loadSnapshot(snapPath, idx); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "load %s", snapPath)
	}
	replayed, err := replayJournal(journalPath, idx)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "replay %s", journalPath)
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	dropped, err := trimTornTail(jf)
	if err != nil {
		_ = af.Close()
		_ = jf.Close()
		return nil, errors.Wrapf(err, "trim %s", journalPath)
	}
	if dropped > 0 {
		log.Warn("torn journal tail dropped", logx.String("path", journalPath), logx.Int64("bytes", dropped))
	}

	log.Debug("file store opened", logx.String("path", prefix), logx.Int("jobs", idx.Len()), logx.Int("replayed", replayed))
	return &fileStore{
		log:          log,
		idx:          idx,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
	}, nil
}

func (s *fileStore) Get(ctx context.Context, id job.ID) (job.Job, bool, error) {
	return s.idx.Get(ctx, id)
}

func (s *fileStore) Exists(ctx context.Context, id job.ID) (bool, error) {
	return s.idx.Exists(ctx, id)
}

func (s *fileStore) List(ctx context.Context, offset, limit int) ([]Record, error) {
	return s.idx.List(ctx, offset, limit)
}

func (s *fileStore) LoadState(ctx context.Context) ([]byte, bool, error) {
	return s.idx.LoadState(ctx)
}

func (s *fileStore) Put(ctx context.Context, id job.ID, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "put", ID: id, Job: &j}); err != nil {
		return err
	}
	if err := s.idx.Put(ctx, id, j); err != nil {
		return err
	}
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) Delete(ctx context.Context, id job.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.idx.Exists(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		return false, err
	}
	ok, err = s.idx.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	s.afterWriteLocked()
	return ok, nil
}

func (s *fileStore) SaveState(ctx context.Context, state []byte) error {
	if !json.Valid(state) {
		return errors.New("scheduler state is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "state", State: state}); err != nil {
		return err
	}
	if err := s.idx.SaveState(ctx, state); err != nil {
		return err
	}
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	e.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	errCompact := s.compactLocked()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	err2 = s.journalFile.Close()
	s.journalFile = nil
	_ = s.idx.Close()
	return errors.CombineErrors(errCompact, errors.CombineErrors(err1, err2))
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journalFile.Write(b); err != nil {
		return err
	}
	if err := s.journalFile.Sync(); err != nil {
		return err
	}
	s.writes++
	return nil
}

// afterWriteLocked compacts every fileCompactEvery writes. It must run only
// once the index holds the write, since compaction drops the journal.
func (s *fileStore) afterWriteLocked() {
	if s.writes%fileCompactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	ctx := context.Background()
	snap := fileSnapshot{Jobs: map[job.ID]job.Job{}}
	recs, err := s.idx.List(ctx, 0, s.idx.Len())
	if err != nil {
		return err
	}
	for _, r := range recs {
		snap.Jobs[r.ID] = r.Job
	}
	if st, ok, _ := s.idx.LoadState(ctx); ok {
		snap.State = st
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
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

// trimTornTail cuts f after its last newline so the next append starts a
// fresh line. It returns the number of bytes removed.
func trimTornTail(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := st.Size()
	if size == 0 {
		return 0, nil
	}
	const chunk = 4096
	buf := make([]byte, chunk)
	keep := int64(0)
	for end := size; end > 0; {
		start := max(0, end-chunk)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep = start + int64(i) + 1
			break
		}
		end = start
	}
	if keep == size {
		return 0, nil
	}
	if err := f.Truncate(keep); err != nil {
		return 0, err
	}
	return size - keep, nil
}

func loadSnapshot(path string, idx *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for id, j := range snap.Jobs {
		idx.putLocked(id, j)
	}
	if len(snap.State) > 0 {
		idx.state = append([]byte(nil), snap.State...)
	}
	return nil
}

func replayJournal(path string, idx *Memory) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "put":
			if r.Job != nil {
				idx.putLocked(r.ID, *r.Job)
			}
		case "del":
			idx.deleteLocked(r.ID)
		case "state":
			idx.state = append([]byte(nil), r.State...)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
