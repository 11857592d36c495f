package processor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/praxisllmlab/luban/internal/model"
)

// Tracker is the persisted batch ledger: batch id to GenericBatch, plus
// request-file path to batch id. Single writer behind a mutex; every
// mutation rewrites the tracker file and renames it into place before
// returning, so a crash between a provider submit and the next flush is
// the only window that can orphan a batch.
type Tracker struct {
	path string

	mu            sync.Mutex
	byID          map[string]*model.GenericBatch
	byRequestFile map[string]string
}

// LoadTracker opens the tracker for a working directory, reading any
// state a previous run left behind. Batches recorded as SUBMITTED are
// picked up by polling instead of being submitted again.
func LoadTracker(path string) (*Tracker, error) {
	t := &Tracker{
		path:          path,
		byID:          make(map[string]*model.GenericBatch),
		byRequestFile: make(map[string]string),
	}

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open tracker %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var batch model.GenericBatch
		if err := json.Unmarshal(line, &batch); err != nil {
			return nil, fmt.Errorf("parse tracker %s: %w", path, err)
		}
		t.byID[batch.ID] = &batch
		if batch.RequestFile != "" {
			t.byRequestFile[batch.RequestFile] = batch.ID
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tracker %s: %w", path, err)
	}
	return t, nil
}

// Put upserts a batch and flushes. An update must be a legal status
// transition from the recorded state; an illegal one panics, since only
// a programming error can produce it.
func (t *Tracker) Put(batch *model.GenericBatch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.byID[batch.ID]; ok && prev.Status != batch.Status {
		prev.TransitionTo(batch.Status)
	}
	t.byID[batch.ID] = batch
	if batch.RequestFile != "" {
		t.byRequestFile[batch.RequestFile] = batch.ID
	}
	return t.flushLocked()
}

// Get returns the recorded batch, or nil.
func (t *Tracker) Get(id string) *model.GenericBatch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

// ByRequestFile returns the batch submitted for a request file, or nil.
func (t *Tracker) ByRequestFile(file string) *model.GenericBatch {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byRequestFile[file]; ok {
		return t.byID[id]
	}
	return nil
}

// All returns a snapshot of every tracked batch, ordered by request
// file for stable iteration.
func (t *Tracker) All() []*model.GenericBatch {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*model.GenericBatch, 0, len(t.byID))
	for _, batch := range t.byID {
		out = append(out, batch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestFile != out[j].RequestFile {
			return out[i].RequestFile < out[j].RequestFile
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// flushLocked rewrites the tracker file and renames it into place.
func (t *Tracker) flushLocked() error {
	tmp := t.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create tracker file: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, batch := range t.allLocked() {
		data, err := json.Marshal(batch)
		if err != nil {
			file.Close()
			return fmt.Errorf("marshal batch %s: %w", batch.ID, err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("write tracker file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync tracker file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close tracker file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replace tracker file: %w", err)
	}
	return nil
}

func (t *Tracker) allLocked() []*model.GenericBatch {
	out := make([]*model.GenericBatch, 0, len(t.byID))
	for _, batch := range t.byID {
		out = append(out, batch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
