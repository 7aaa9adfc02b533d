package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"necrocode/internal/logging"
)

// journal appends lifecycle events to per-spec JSONL files. Appends run
// outside the registry write lock so a stuck journal can never block
// state changes; when the primary append fails the events are diverted
// to fallback/<spec>.jsonl and counted instead of being dropped.
type journal struct {
	baseDir       string
	log           logging.Logger
	mu            sync.Mutex
	specMu        map[string]*sync.Mutex
	fallbackCount atomic.Uint64
}

func newJournal(baseDir string, log logging.Logger) *journal {
	return &journal{
		baseDir: baseDir,
		log:     log,
		specMu:  make(map[string]*sync.Mutex),
	}
}

func (j *journal) fallbacks() uint64 {
	return j.fallbackCount.Load()
}

func (j *journal) primaryPath(spec string) string {
	return filepath.Join(j.baseDir, eventsDir, spec, "events.jsonl")
}

func (j *journal) fallbackPath(spec string) string {
	return filepath.Join(j.baseDir, fallbackDir, spec+".jsonl")
}

// lockFor returns the per-spec append mutex, which guarantees total
// append order for events of one spec within this process.
func (j *journal) lockFor(spec string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	mu, ok := j.specMu[spec]
	if !ok {
		mu = &sync.Mutex{}
		j.specMu[spec] = mu
	}
	return mu
}

func (j *journal) append(spec string, events []Event) {
	if len(events) == 0 {
		return
	}
	mu := j.lockFor(spec)
	mu.Lock()
	defer mu.Unlock()

	if err := appendJSONL(j.primaryPath(spec), events); err != nil {
		j.log.Warn("journal append for %s failed, diverting %d event(s) to fallback: %v", spec, len(events), err)
		j.fallbackCount.Add(uint64(len(events)))
		if fbErr := appendJSONL(j.fallbackPath(spec), events); fbErr != nil {
			j.log.Error("fallback journal append for %s failed, %d event(s) lost: %v", spec, len(events), fbErr)
		}
	}
}

func (j *journal) read(spec string) ([]Event, error) {
	path := j.primaryPath(spec)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal %s: %w", spec, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			// a torn tail line from a crashed writer is skipped, not fatal
			j.log.Warn("journal %s: skipping malformed line: %v", spec, err)
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal %s: %w", spec, err)
	}
	return events, nil
}

func appendJSONL(path string, events []Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
	return w.Flush()
}
