package processor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/praxisllmlab/luban/internal/dataset"
	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/prompt"
)

const maxLineBytes = 64 * 1024 * 1024

// loadOrBuildRequests materializes the request set for a run. The first
// run formats every row and writes requests.jsonl; later runs in the
// same working directory reuse the file so the dispatched requests are
// byte-identical across resumes. A row whose prompt logic fails aborts
// the run before anything is dispatched: malformed request-building
// logic is a programming error, not a per-row outcome.
func loadOrBuildRequests(workingDir string, ds *dataset.Dataset, f *prompt.Formatter) ([]*model.GenericRequest, error) {
	path := filepath.Join(workingDir, RequestsFile)
	if _, err := os.Stat(path); err == nil {
		reqs, err := readRequestFile(path)
		if err != nil {
			return nil, err
		}
		log.Printf("processor: reusing %d formatted requests from %s", len(reqs), path)
		return reqs, nil
	}

	reqs := make([]*model.GenericRequest, 0, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		req, err := f.BuildRequest(ds.Row(i), i)
		if err != nil {
			return nil, fmt.Errorf("build request for row %d: %w", i, err)
		}
		reqs = append(reqs, req)
	}

	if err := writeRequestFile(path, reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func readRequestFile(path string) ([]*model.GenericRequest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open request file: %w", err)
	}
	defer file.Close()

	var reqs []*model.GenericRequest
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req model.GenericRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, fmt.Errorf("parse request file %s: %w", path, err)
		}
		reqs = append(reqs, &req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read request file %s: %w", path, err)
	}
	return reqs, nil
}

func writeRequestFile(path string, reqs []*model.GenericRequest) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create request file: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, req := range reqs {
		data, err := json.Marshal(req)
		if err != nil {
			file.Close()
			return fmt.Errorf("marshal request for row %d: %w", req.OriginalRowIdx, err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("write request file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close request file: %w", err)
	}
	return os.Rename(tmp, path)
}
