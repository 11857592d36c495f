// Package dataset provides the ordered, randomly indexable row collection
// consumed and produced by request processors. Rows are plain maps; the
// on-disk interchange format is JSONL, one row per line.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Row is a single mapping-like record.
type Row map[string]any

// Dataset is a finite, ordered sequence of rows with random access by index.
type Dataset struct {
	rows []Row
}

// New creates a Dataset from rows. The slice is taken over, not copied.
func New(rows []Row) *Dataset {
	return &Dataset{rows: rows}
}

// FromJSONL reads a dataset from a JSONL file.
func FromJSONL(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()

	var rows []Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return nil, fmt.Errorf("parse dataset %s line %d: %w", path, line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	return New(rows), nil
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.rows)
}

// Row returns the row at index i.
func (d *Dataset) Row(i int) Row {
	return d.rows[i]
}

// Rows returns the underlying row slice.
func (d *Dataset) Rows() []Row {
	if d == nil {
		return nil
	}
	return d.rows
}

// Hash returns a content hash of the dataset. Map keys are sorted by
// encoding/json, so the hash depends only on row content and order,
// never on insertion order or process state. A nil dataset hashes to
// the hash of the empty string.
func (d *Dataset) Hash() string {
	h := xxhash.New()
	if d != nil {
		for _, row := range d.rows {
			data, err := json.Marshal(row)
			if err != nil {
				// Rows come from JSON or from user maps; a row that cannot
				// be marshaled cannot be dispatched either.
				panic(fmt.Sprintf("dataset: unmarshalable row: %v", err))
			}
			_, _ = h.Write(data)
			_, _ = h.Write([]byte{'\n'})
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// WriteJSONL writes the dataset to a JSONL file.
func (d *Dataset) WriteJSONL(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dataset %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, row := range d.rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write dataset %s: %w", path, err)
		}
	}
	return w.Flush()
}
