// Package bus implements the append-only communication log shared by
// the coordinator and its workers.
//
// On-disk layout under the bus root, inspectable without the
// orchestrator:
//
//	findings.log    append-only, globally ordered findings (JSONL)
//	decisions.log   append-only decision records (JSONL)
//	docs/           named shared documents
//	inbox/<id>.log  per-worker append-only keyspace, ingested into
//	                findings.log by the coordinator
package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cohortlabs/cohort/pkg/models"
)

// Bus is the coordinator-side handle to the shared log. All appends go
// through a single sequence allocator, so findings are totally ordered
// across authors and every reader observes the same interleaving.
type Bus struct {
	root string

	// mu is the single global append lock.
	mu       sync.Mutex
	seq      uint64
	findings *os.File

	// offsets tracks how far each worker inbox has been ingested.
	offsets map[string]int64
}

// Open creates (or reopens) the bus layout rooted at dir.
func Open(dir string) (*Bus, error) {
	for _, sub := range []string{"", "docs", "inbox"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create bus directory: %w", err)
		}
	}

	f, err := os.OpenFile(filepath.Join(dir, "findings.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open findings log: %w", err)
	}

	b := &Bus{
		root:     dir,
		findings: f,
		offsets:  make(map[string]int64),
	}

	// Recover the sequence counter from an existing log.
	existing, err := b.ReadFrom(0)
	if err != nil {
		f.Close()
		return nil, err
	}
	if n := len(existing); n > 0 {
		b.seq = existing[n-1].Seq
	}
	return b, nil
}

// Root returns the bus root directory.
func (b *Bus) Root() string { return b.root }

// InboxPath returns the append-only inbox file for the given author.
// Each author writes only to its own inbox; the coordinator ingests.
func (b *Bus) InboxPath(authorID string) string {
	return filepath.Join(b.root, "inbox", authorID+".log")
}

// Close closes the underlying log file.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findings.Close()
}

// Append writes one finding authored by authorID and returns it with
// its allocated global sequence number.
func (b *Bus) Append(authorID string, kind models.FindingKind, payload json.RawMessage) (*models.Finding, error) {
	if authorID == "" {
		return nil, fmt.Errorf("bus append: author id is required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("bus append: unknown finding kind %q", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(authorID, kind, payload, time.Now())
}

// appendLocked allocates the next sequence number and writes the entry.
// Caller must hold b.mu.
func (b *Bus) appendLocked(authorID string, kind models.FindingKind, payload json.RawMessage, ts time.Time) (*models.Finding, error) {
	b.seq++
	f := &models.Finding{
		Seq:       b.seq,
		AuthorID:  authorID,
		Timestamp: ts.UTC(),
		Kind:      kind,
		Payload:   payload,
	}

	line, err := json.Marshal(f)
	if err != nil {
		b.seq--
		return nil, fmt.Errorf("marshal finding: %w", err)
	}
	if _, err := b.findings.Write(append(line, '\n')); err != nil {
		b.seq--
		return nil, fmt.Errorf("append finding: %w", err)
	}
	return f, nil
}

// ReadFrom returns all findings with Seq > after, in order.
func (b *Bus) ReadFrom(after uint64) ([]models.Finding, error) {
	f, err := os.Open(filepath.Join(b.root, "findings.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open findings log: %w", err)
	}
	defer f.Close()

	var out []models.Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var finding models.Finding
		if err := json.Unmarshal([]byte(line), &finding); err != nil {
			return nil, fmt.Errorf("parse findings log: %w", err)
		}
		if finding.Seq > after {
			out = append(out, finding)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan findings log: %w", err)
	}
	return out, nil
}

// inboxEntry is the line format workers write to their inbox files.
type inboxEntry struct {
	Kind    models.FindingKind `json:"kind"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

// Ingest scans every worker inbox for lines appended since the last
// call and promotes them onto the global log. Returns the newly
// sequenced findings in the order they were appended.
func (b *Bus) Ingest() ([]models.Finding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inboxDir := filepath.Join(b.root, "inbox")
	entries, err := os.ReadDir(inboxDir)
	if err != nil {
		return nil, fmt.Errorf("read inbox directory: %w", err)
	}

	var out []models.Finding
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		authorID := strings.TrimSuffix(entry.Name(), ".log")
		path := filepath.Join(inboxDir, entry.Name())

		promoted, newOffset, err := b.ingestFileLocked(authorID, path, b.offsets[path])
		if err != nil {
			return nil, err
		}
		b.offsets[path] = newOffset
		out = append(out, promoted...)
	}
	return out, nil
}

// ingestFileLocked reads one inbox file from offset and promotes
// complete lines. Caller must hold b.mu.
func (b *Bus) ingestFileLocked(authorID, path string, offset int64) ([]models.Finding, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, fmt.Errorf("open inbox %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, fmt.Errorf("seek inbox %s: %w", path, err)
	}

	var out []models.Finding
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial trailing line: leave it for the next pass.
			break
		}
		offset += int64(len(line))

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry inboxEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// Malformed worker output is skipped, not fatal.
			continue
		}
		if !entry.Kind.Valid() {
			continue
		}
		finding, err := b.appendLocked(authorID, entry.Kind, entry.Payload, time.Now())
		if err != nil {
			return nil, offset, err
		}
		out = append(out, *finding)
	}
	return out, offset, nil
}

// AppendDecision records a decision snapshot on the decisions log.
func (b *Bus) AppendDecision(d *models.Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(b.root, "decisions.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open decisions log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// WriteDocument replaces the named shared document.
func (b *Bus) WriteDocument(name string, data []byte) error {
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("document name %q must not contain path separators", name)
	}
	return os.WriteFile(filepath.Join(b.root, "docs", name), data, 0644)
}

// ReadDocument returns the named shared document's contents.
func (b *Bus) ReadDocument(name string) ([]byte, error) {
	if strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("document name %q must not contain path separators", name)
	}
	return os.ReadFile(filepath.Join(b.root, "docs", name))
}
