package journal

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/nathanyu/transfer-ledger/internal/domain"
)

// Journal is the write-ahead log backing the in-memory ledger. Events for a
// committed operation are appended as one fsynced batch; on startup the
// whole file is replayed to rebuild state.
type Journal struct {
	filePath string
	file     *os.File
	mu       sync.Mutex
}

// Open opens (or creates) the journal file at the given path.
func Open(filePath string) (*Journal, error) {
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		filePath: filePath,
		file:     file,
	}, nil
}

// Append writes a single event to the journal.
func (j *Journal) Append(event domain.Event) error {
	return j.AppendBatch([]domain.Event{event})
}

// AppendBatch writes the events of one operation to the journal with a
// single sync. Nothing is applied to ledger state until this returns nil.
func (j *Journal) AppendBatch(events []domain.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, event := range events {
		data, err := domain.SerializeEvent(event)
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}

		// Append newline for line-delimited JSON
		data = append(data, '\n')

		if _, err := j.file.Write(data); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	// Ensure durability
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	return nil
}

// LoadAll reads all events from the journal in append order.
func (j *Journal) LoadAll() ([]domain.Event, error) {
	file, err := os.Open(j.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.Event{}, nil
		}
		return nil, fmt.Errorf("failed to open journal for reading: %w", err)
	}
	defer file.Close()

	var events []domain.Event
	scanner := bufio.NewScanner(file)
	// Increase buffer size for potentially large events
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := domain.DeserializeEvent(line)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize event at line %d: %w", lineNum, err)
		}

		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading journal: %w", err)
	}

	return events, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// Clear removes all events from the journal (for testing purposes).
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		j.file.Close()
	}

	// Truncate the file
	file, err := os.OpenFile(j.filePath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to clear journal: %w", err)
	}

	j.file = file
	return nil
}
