package bus

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/cohortlabs/cohort/pkg/models"
)

func openTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAppend_SequencesAreStrictlyIncreasing(t *testing.T) {
	b := openTestBus(t)

	for i := 0; i < 5; i++ {
		f, err := b.Append("w1", models.FindingNote, json.RawMessage(`"hello"`))
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if f.Seq != uint64(i+1) {
			t.Errorf("Seq = %d, want %d", f.Seq, i+1)
		}
	}
}

func TestAppend_RequiresAuthor(t *testing.T) {
	b := openTestBus(t)

	if _, err := b.Append("", models.FindingNote, nil); err == nil {
		t.Error("append without author should fail")
	}
	if _, err := b.Append("w1", models.FindingKind("gossip"), nil); err == nil {
		t.Error("append with unknown kind should fail")
	}
}

func TestReadFrom_TotalOrderAcrossAuthors(t *testing.T) {
	b := openTestBus(t)

	authors := []string{"w1", "w2", "w1", "w3", "w2"}
	for _, a := range authors {
		if _, err := b.Append(a, models.FindingStatus, nil); err != nil {
			t.Fatal(err)
		}
	}

	all, err := b.ReadFrom(0)
	if err != nil {
		t.Fatalf("ReadFrom(0) error: %v", err)
	}
	if len(all) != len(authors) {
		t.Fatalf("ReadFrom(0) returned %d findings, want %d", len(all), len(authors))
	}
	for i, f := range all {
		if f.Seq != uint64(i+1) {
			t.Errorf("finding %d has Seq %d, want %d", i, f.Seq, i+1)
		}
		if f.AuthorID != authors[i] {
			t.Errorf("finding %d author = %q, want %q", i, f.AuthorID, authors[i])
		}
	}

	tail, err := b.ReadFrom(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 {
		t.Errorf("ReadFrom(3) = %v, want findings 4 and 5", tail)
	}
}

func TestOpen_RecoversSequence(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := b.Append("w1", models.FindingNote, nil); err != nil {
			t.Fatal(err)
		}
	}
	b.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	f, err := reopened.Append("w2", models.FindingNote, nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.Seq != 4 {
		t.Errorf("Seq after reopen = %d, want 4", f.Seq)
	}
}

func TestIngest_PromotesInboxEntries(t *testing.T) {
	b := openTestBus(t)

	write := func(author, line string) {
		f, err := os.OpenFile(b.InboxPath(author), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatal(err)
		}
	}

	write("w1", `{"kind":"checkpoint","payload":{"touched_paths":["a.go"]}}`)
	write("w2", `{"kind":"vote","payload":{"decision_id":"d1","value":"A"}}`)

	promoted, err := b.Ingest()
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if len(promoted) != 2 {
		t.Fatalf("Ingest() promoted %d findings, want 2", len(promoted))
	}

	// A second ingest with no new lines promotes nothing.
	again, err := b.Ingest()
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second Ingest() promoted %d findings, want 0", len(again))
	}

	// New lines after the first pass are picked up from the saved offset.
	write("w1", `{"kind":"status","payload":"working"}`)
	more, err := b.Ingest()
	if err != nil {
		t.Fatal(err)
	}
	if len(more) != 1 || more[0].AuthorID != "w1" || more[0].Kind != models.FindingStatus {
		t.Errorf("third Ingest() = %+v, want one status finding from w1", more)
	}
}

func TestIngest_SkipsMalformedLines(t *testing.T) {
	b := openTestBus(t)

	f, err := os.OpenFile(b.InboxPath("w1"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("not json\n")
	f.WriteString(`{"kind":"note","payload":"ok"}` + "\n")
	f.Close()

	promoted, err := b.Ingest()
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if len(promoted) != 1 {
		t.Errorf("Ingest() promoted %d findings, want 1 (malformed skipped)", len(promoted))
	}
}

func TestDocuments(t *testing.T) {
	b := openTestBus(t)

	if err := b.WriteDocument("plan.md", []byte("# plan")); err != nil {
		t.Fatalf("WriteDocument() error: %v", err)
	}
	data, err := b.ReadDocument("plan.md")
	if err != nil {
		t.Fatalf("ReadDocument() error: %v", err)
	}
	if string(data) != "# plan" {
		t.Errorf("ReadDocument() = %q", data)
	}

	if err := b.WriteDocument("../escape", nil); err == nil {
		t.Error("document names with separators should be rejected")
	}
}

func TestAppendDecision(t *testing.T) {
	b := openTestBus(t)

	v := "A"
	d := &models.Decision{ID: "d1", Policy: models.PolicyMajority, ResolvedValue: &v}
	if err := b.AppendDecision(d); err != nil {
		t.Fatalf("AppendDecision() error: %v", err)
	}

	data, err := os.ReadFile(b.Root() + "/decisions.log")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("decisions.log should contain the appended record")
	}
}
