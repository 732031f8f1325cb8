// Package dlq is the append-only dead-letter log: events that could not
// be applied to a destination after retries, or that were classified
// terminal up front, are recorded here exactly once before their offset
// is allowed to advance.
package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/event"
	"github.com/datastreamhq/cascade/retry"
)

// Record is one dead-lettered event as persisted on disk. The original
// event is embedded in full (post-masking) so records can be replayed.
type Record struct {
	DLQID          uuid.UUID    `json:"dlqId"`
	Destination    string       `json:"destination"`
	ErrorCategory  string       `json:"errorCategory"`
	ErrorMessage   string       `json:"errorMessage"`
	RetryCount     int          `json:"retryCount"`
	FirstFailureAt time.Time    `json:"firstFailureAt"`
	WrittenAt      time.Time    `json:"dlqWrittenAt"`
	Event          *event.Event `json:"originalEvent"`
}

// Writer appends records to daily JSONL files, one subdirectory per
// destination (`<dir>/<destination>/failed_events_<date>.jsonl`). Safe
// for concurrent use; each append is a single write followed by a sync
// so lines are never interleaved.
type Writer struct {
	dir          string
	writeTimeout time.Duration

	mu    sync.Mutex
	files map[string]*dailyFile // keyed by destination
}

type dailyFile struct {
	name string
	f    *os.File
}

// NewWriter creates the DLQ directory if needed.
func NewWriter(dir string, writeTimeout time.Duration) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}
	return &Writer{
		dir:          dir,
		writeTimeout: writeTimeout,
		files:        make(map[string]*dailyFile),
	}, nil
}

// Write appends one record. A failed append breaks the delivery
// invariant (the event is neither committed nor dead-lettered), so the
// returned error is tagged Fatal and the caller must stop the process.
func (w *Writer) Write(ctx context.Context, ev *event.Event, destination string, category retry.Category, errMsg string, retryCount int, firstFailure time.Time) error {
	rec := Record{
		DLQID:          uuid.New(),
		Destination:    destination,
		ErrorCategory:  category.String(),
		ErrorMessage:   errMsg,
		RetryCount:     retryCount,
		FirstFailureAt: firstFailure,
		WrittenAt:      time.Now().UTC(),
		Event:          ev,
	}

	line, err := json.Marshal(&rec)
	if err != nil {
		return retry.Wrapf(retry.CategoryFatal, "failed to encode DLQ record for event %s: %v", ev.ID, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- w.append(destination, line)
	}()

	timer := time.NewTimer(w.writeTimeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		err = fmt.Errorf("DLQ write timed out after %s", w.writeTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return retry.Wrapf(retry.CategoryFatal, "failed to write DLQ record for event %s: %v", ev.ID, err)
	}

	log.Warn().
		Str("event_id", ev.ID.String()).
		Str("table", ev.Keyspace+"."+ev.Table).
		Str("destination", destination).
		Str("error_category", category.String()).
		Str("error", errMsg).
		Msg("Event written to DLQ")
	return nil
}

func (w *Writer) append(destination string, line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := fmt.Sprintf("failed_events_%s.jsonl", time.Now().UTC().Format("2006-01-02"))
	df, ok := w.files[destination]
	if !ok || df.name != name {
		destDir := filepath.Join(w.dir, destination)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(destDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		// One open handle per destination; the handle rolls over with
		// the date.
		if ok {
			df.f.Close()
		}
		df = &dailyFile{name: name, f: f}
		w.files[destination] = df
	}

	if _, err := df.f.Write(append(line, '\n')); err != nil {
		return err
	}
	return df.f.Sync()
}

// Close releases open file handles.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dest, df := range w.files {
		df.f.Close()
		delete(w.files, dest)
	}
	return nil
}

// Files lists DLQ files, newest last, optionally filtered by
// destination.
func (w *Writer) Files(destination string) ([]string, error) {
	sub := "*"
	if destination != "" {
		sub = destination
	}
	matches, err := filepath.Glob(filepath.Join(w.dir, sub, "failed_events_*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Count totals the records across DLQ files for the destination (empty
// for all destinations). Used by the health surface.
func (w *Writer) Count(destination string) (int, error) {
	files, err := w.Files(destination)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, path := range files {
		n, err := countLines(path)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Read decodes all records from one DLQ file.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s: corrupt DLQ record: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}
