// Package eventlog archives the engine's event stream to daily rotated JSONL
// files. The writer doubles as an events.Sink so it can be wired straight
// into the engine's fan-out.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pairvibe/pkg/logx"
	"pairvibe/pkg/proto"
)

// Writer appends events to events-YYYY-MM-DD.jsonl files, rotating when the
// date changes.
type Writer struct {
	logDir      string
	logger      *logx.Logger
	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// NewWriter creates an event log writer rooted at logDir, creating the
// directory and today's file eagerly so permission problems surface at
// startup rather than mid-run.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &Writer{
		logDir: logDir,
		logger: logx.NewLogger("eventlog"),
	}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log file: %w", err)
	}
	return w, nil
}

// Publish implements events.Sink. Write failures are logged and swallowed:
// the archive must never take the run down, and sinks may not block or fail
// producers.
func (w *Writer) Publish(ev *proto.Event) {
	if err := w.Write(ev); err != nil {
		w.logger.Warn("Failed to archive event %s: %v", ev.Type, err)
	}
}

// Write appends one event to the current log file, rotating first if the
// date rolled over.
func (w *Writer) Write(ev *proto.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == newDate {
		return nil
	}
	return w.rotate(newDate)
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current event log: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// CurrentLogFile returns the path of the active log file.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log: %w", err)
		}
	}
	return nil
}

// ReadEvents reads and parses every event from one log file. Events with an
// unknown schema version are skipped rather than failing the whole read.
func ReadEvents(path string) ([]*proto.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var events []*proto.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev proto.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		if ev.Version > proto.EventSchemaVersion {
			continue
		}
		events = append(events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return events, nil
}

// ListLogFiles returns all event log files under logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list event logs: %w", err)
	}
	return files, nil
}

// Prune deletes the oldest log files until at most keep remain. A keep of
// zero or less prunes nothing. Returns how many files were removed.
func Prune(logDir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	files, err := ListLogFiles(logDir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for len(files)-removed > keep {
		if err := os.Remove(files[removed]); err != nil {
			return removed, fmt.Errorf("failed to prune event log %s: %w", files[removed], err)
		}
		removed++
	}
	return removed, nil
}
