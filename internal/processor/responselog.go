package processor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/praxisllmlab/luban/internal/model"
)

// responseLog is the durable per-row response store. Responses are
// appended as they complete, so a crash loses at most the in-flight
// requests; on reopen the existing entries seed the resume set. Append
// is safe for concurrent use; the later of two entries for the same row
// wins on load, which lets a resubmitted row supersede its earlier
// failure.
type responseLog struct {
	mu   sync.Mutex
	file *os.File
	seen map[int]*model.GenericResponse
}

func openResponseLog(path string) (*responseLog, error) {
	seen := make(map[int]*model.GenericResponse)
	if data, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(data)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp model.GenericResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				log.Printf("processor: skipping malformed response log line: %v", err)
				continue
			}
			if resp.GenericRequest == nil {
				continue
			}
			seen[resp.GenericRequest.OriginalRowIdx] = &resp
		}
		closeErr := data.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response log %s: %w", path, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close response log %s: %w", path, closeErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open response log %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open response log %s for append: %w", path, err)
	}
	return &responseLog{file: file, seen: seen}, nil
}

// Has reports whether a response for the row is already recorded.
func (l *responseLog) Has(rowIdx int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[rowIdx]
	return ok
}

// Append durably records one response. A response violating the
// message-XOR-errors invariant never reaches disk.
func (l *responseLog) Append(resp *model.GenericResponse) error {
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("refusing to record response: %w", err)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response for row %d: %w", resp.GenericRequest.OriginalRowIdx, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append response log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync response log: %w", err)
	}
	l.seen[resp.GenericRequest.OriginalRowIdx] = resp
	return nil
}

// Responses returns a snapshot of all recorded responses by row index.
func (l *responseLog) Responses() map[int]*model.GenericResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]*model.GenericResponse, len(l.seen))
	for k, v := range l.seen {
		out[k] = v
	}
	return out
}

func (l *responseLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
