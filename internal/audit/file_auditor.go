package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

var _ Auditor = (*FileAuditor)(nil)

// FileAuditor appends entries to a journal file, one JSON object per line.
// ReadFile loads the journal back, e.g. when the emulator restarts.
type FileAuditor struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewFileAuditor(path string) (*FileAuditor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit journal: %w", err)
	}
	enc := json.NewEncoder(file)
	enc.SetEscapeHTML(false)
	return &FileAuditor{file: file, enc: enc}, nil
}

func (f *FileAuditor) Log(entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enc.Encode(entry); err != nil {
		return fmt.Errorf("writing audit journal: %w", err)
	}
	return nil
}

func (f *FileAuditor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

// ReadFile returns the entries of a journal written by FileAuditor, oldest
// first. A missing file has no entries. On a corrupt line the entries read so
// far are returned with the error.
func ReadFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit journal: %w", err)
	}
	defer file.Close()

	var entries []Entry
	dec := json.NewDecoder(file)
	for {
		var e Entry
		if err := dec.Decode(&e); errors.Is(err, io.EOF) {
			return entries, nil
		} else if err != nil {
			return entries, fmt.Errorf("reading audit journal entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
}
