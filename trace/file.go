package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

const defaultBatch = 500

// FileRecorder appends events as JSON lines. Several processes may share one
// file: every flush is a single append-mode write of whole lines.
type FileRecorder struct {
	mu      sync.Mutex
	f       *os.File
	buf     bytes.Buffer
	enc     *json.Encoder
	pending int
	batch   int
}

// OpenFile opens (or creates) path for appending.
func OpenFile(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	r := &FileRecorder{f: f, batch: defaultBatch}
	r.enc = json.NewEncoder(&r.buf)
	return r, nil
}

func (r *FileRecorder) Record(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(ev); err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	r.pending++
	if r.pending >= r.batch {
		return r.flushLocked()
	}
	return nil
}

// Flush writes buffered events to the file.
func (r *FileRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *FileRecorder) flushLocked() error {
	if r.buf.Len() == 0 {
		return nil
	}
	_, err := r.f.Write(r.buf.Bytes())
	r.buf.Reset()
	r.pending = 0
	if err != nil {
		return fmt.Errorf("write trace file: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ferr := r.flushLocked()
	if err := r.f.Close(); err != nil {
		return err
	}
	return ferr
}

// ReadFile loads every event of a JSONL trace file.
func ReadFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("decode trace event %d: %w", len(events), err)
		}
		events = append(events, ev)
	}
	return events, nil
}
