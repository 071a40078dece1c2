package progress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"listing-batch/internal/model"
	"listing-batch/internal/runstore"
)

const filePrefix = "progress_"

// Key identifies one checkpoint file.
type Key struct {
	AccountID string       `json:"account_id"`
	Step      model.StepID `json:"step"`
	Server    string       `json:"server"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.AccountID, k.Step, k.Server)
}

// ChunkResult is what one processed chunk reports back.
type ChunkResult struct {
	Index     int      `json:"index"`
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

type Record struct {
	Key
	CompletedKeywords []string     `json:"completed_keywords"`
	FailedKeywords    []string     `json:"failed_keywords"`
	LastChunkResult   *ChunkResult `json:"last_chunk_result"`
	UpdatedAt         string       `json:"updated_at"`
}

// Store keeps one JSON file per key under Dir. Each key is written by a
// single runner at a time; writes replace the whole file.
type Store struct {
	Dir string
	Now func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) Path(key Key) string {
	name := fmt.Sprintf("%s%s_%s_%s.json", filePrefix, runstore.SafeName(key.AccountID), runstore.SafeName(string(key.Step)), runstore.SafeName(model.NormalizeServer(key.Server)))
	return filepath.Join(s.Dir, name)
}

// Read returns the record for key, or an empty record when none exists.
func (s *Store) Read(key Key) (Record, error) {
	key.Server = model.NormalizeServer(key.Server)
	var rec Record
	err := runstore.ReadJSON(s.Path(key), &rec)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptyRecord(key), nil
		}
		return Record{}, err
	}
	rec.Key = key
	if rec.CompletedKeywords == nil {
		rec.CompletedKeywords = []string{}
	}
	if rec.FailedKeywords == nil {
		rec.FailedKeywords = []string{}
	}
	return rec, nil
}

func (s *Store) Write(key Key, rec Record) error {
	key.Server = model.NormalizeServer(key.Server)
	rec.Key = key
	if rec.CompletedKeywords == nil {
		rec.CompletedKeywords = []string{}
	}
	if rec.FailedKeywords == nil {
		rec.FailedKeywords = []string{}
	}
	rec.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	return runstore.WriteJSON(s.Path(key), rec)
}

// MarkChunk merges a chunk's outcome into the record. Completed keywords are
// only ever added; a keyword that completes drops out of the failed set.
func (s *Store) MarkChunk(key Key, chunk ChunkResult) (Record, error) {
	rec, err := s.Read(key)
	if err != nil {
		return Record{}, err
	}
	done := make(map[string]bool, len(rec.CompletedKeywords))
	for _, k := range rec.CompletedKeywords {
		done[k] = true
	}
	for _, k := range chunk.Completed {
		if k == "" || done[k] {
			continue
		}
		done[k] = true
		rec.CompletedKeywords = append(rec.CompletedKeywords, k)
	}

	failed := make([]string, 0, len(rec.FailedKeywords)+len(chunk.Failed))
	seenFailed := map[string]bool{}
	for _, k := range append(append([]string{}, rec.FailedKeywords...), chunk.Failed...) {
		if k == "" || done[k] || seenFailed[k] {
			continue
		}
		seenFailed[k] = true
		failed = append(failed, k)
	}
	rec.FailedKeywords = failed
	c := chunk
	rec.LastChunkResult = &c

	if err := s.Write(key, rec); err != nil {
		return Record{}, err
	}
	return s.Read(key)
}

// Reset deletes the record for key. A missing record is not an error.
func (s *Store) Reset(key Key) error {
	key.Server = model.NormalizeServer(key.Server)
	if err := os.Remove(s.Path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset progress %s: %w", key, err)
	}
	return nil
}

// ResetAccount deletes every record of accountID, limited to servers when
// given. It returns the keys removed.
func (s *Store) ResetAccount(accountID string, servers []string) ([]Key, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, srv := range servers {
		allowed[model.NormalizeServer(srv)] = true
	}
	removed := []Key{}
	for _, rec := range records {
		if rec.AccountID != accountID {
			continue
		}
		if len(allowed) > 0 && !allowed[rec.Server] {
			continue
		}
		if err := s.Reset(rec.Key); err != nil {
			return removed, err
		}
		removed = append(removed, rec.Key)
	}
	return removed, nil
}

// ListPending returns the tasks whose provider code is not yet completed,
// keeping the order of tasks.
func (s *Store) ListPending(accountID string, step model.StepID, server string, tasks []model.Task) ([]model.Task, error) {
	rec, err := s.Read(Key{AccountID: accountID, Step: step, Server: server})
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(rec.CompletedKeywords))
	for _, k := range rec.CompletedKeywords {
		done[k] = true
	}
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if done[t.ProviderCode] {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// List reads every record in Dir, sorted by key.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("read progress directory %s: %w", s.Dir, err)
	}
	out := []Record{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		var rec Record
		if err := runstore.ReadJSON(filepath.Join(s.Dir, name), &rec); err != nil {
			return nil, err
		}
		if rec.AccountID == "" {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].Server < out[j].Server
	})
	return out, nil
}

func emptyRecord(key Key) Record {
	return Record{
		Key:               key,
		CompletedKeywords: []string{},
		FailedKeywords:    []string{},
	}
}
