package review

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"domainflow/internal/saga"
)

// FileJournal appends manual-review entries to a JSON-lines file and syncs after each write.
type FileJournal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open constructs a FileJournal appending to path.
func Open(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open review journal: %w", err)
	}
	return &FileJournal{path: path, f: f}, nil
}

// Flag implements saga.ReviewSink.
func (j *FileJournal) Flag(ctx context.Context, entry saga.ReviewEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode review entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	n, err := j.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}
	return j.f.Sync()
}

// Entries replays the journal from disk, oldest first.
func (j *FileJournal) Entries() ([]saga.ReviewEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Replay(j.path)
}

// Close releases the underlying file handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// Replay reads every entry of the journal at path. A missing file has no entries.
func Replay(path string) (entries []saga.ReviewEntry, err error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry saga.ReviewEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("review journal line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
