package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/iangreen74/leviathan/internal/event"
)

const journalFilename = "journal.ndjson"

// NDJSON is the local-file journal back-end: one JSON object per line,
// fsync before Append returns. An exclusive flock on a sidecar lock file
// keeps a second process from appending to the same journal.
type NDJSON struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	lock     *os.File
	lastHash string
	seen     map[string]struct{}
}

// OpenNDJSON opens (or creates) the journal under dir and replays it to
// recover the chain head and the set of known event IDs.
func OpenNDJSON(dir string) (*NDJSON, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	lock, err := os.OpenFile(filepath.Join(dir, journalFilename+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open lock file: %w", err)
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lock.Close()
		return nil, fmt.Errorf("journal: another process holds the append lock: %w", err)
	}

	path := filepath.Join(dir, journalFilename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	j := &NDJSON{path: path, file: file, lock: lock, seen: make(map[string]struct{})}

	events, err := j.readAll()
	if err != nil {
		j.Close()
		return nil, err
	}
	for _, e := range events {
		j.seen[e.EventID] = struct{}{}
		j.lastHash = e.Hash
	}
	return j, nil
}

func (j *NDJSON) Append(_ context.Context, e event.Event) (event.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, dup := j.seen[e.EventID]; dup {
		return event.Event{}, ErrDuplicate
	}
	if !e.Type.Valid() {
		return event.Event{}, fmt.Errorf("journal: unknown event type %q", e.Type)
	}

	sealed := seal(e, j.lastHash)
	line, err := json.Marshal(sealed)
	if err != nil {
		return event.Event{}, fmt.Errorf("journal: marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return event.Event{}, fmt.Errorf("journal: write: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return event.Event{}, fmt.Errorf("journal: fsync: %w", err)
	}

	j.seen[sealed.EventID] = struct{}{}
	j.lastHash = sealed.Hash
	return sealed, nil
}

func (j *NDJSON) Scan(_ context.Context, since time.Time, limit int) ([]event.Event, error) {
	events, err := j.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]event.Event, 0, len(events))
	for _, e := range events {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (j *NDJSON) LastHash(_ context.Context) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastHash, nil
}

func (j *NDJSON) Verify(_ context.Context) error {
	events, err := j.readAll()
	if err != nil {
		return err
	}
	return verifyChain(events)
}

func (j *NDJSON) Close() error {
	if j.file != nil {
		j.file.Close()
	}
	if j.lock != nil {
		syscall.Flock(int(j.lock.Fd()), syscall.LOCK_UN)
		j.lock.Close()
	}
	return nil
}

// readAll decodes the whole file through a fresh read handle. Payload
// numbers are kept as json.Number so hash recomputation is exact.
func (j *NDJSON) readAll() ([]event.Event, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open for read: %w", err)
	}
	defer f.Close()

	var events []event.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e event.Event
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("journal: decode line: %w", err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan %s: %w", j.path, err)
	}
	return events, nil
}
