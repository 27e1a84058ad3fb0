package runlog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runs_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_And_Recent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	runs := []Run{
		{Timestamp: base.Add(-2 * time.Minute), SessionID: "s1", Provider: "ollama", Model: "llama3", Prompt: "time?", Response: "10:00", Steps: 1, Success: true},
		{Timestamp: base.Add(-1 * time.Minute), SessionID: "s1", Provider: "ollama", Model: "llama3", Prompt: "loop", Steps: 8, Error: "agent exceeded the maximum number of tool interactions"},
		{Timestamp: base, SessionID: "s2", Provider: "openai", Model: "gpt-4o", Prompt: "hi", Response: "hello", Success: true},
	}
	for _, r := range runs {
		id, err := s.Record(ctx, r)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if id == "" {
			t.Fatal("Record returned an empty id")
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d runs", len(got))
	}
	if got[0].Prompt != "hi" || got[1].Prompt != "loop" {
		t.Errorf("order = %q, %q; want newest first", got[0].Prompt, got[1].Prompt)
	}
	if got[1].Success || got[1].Steps != 8 || got[1].Error == "" {
		t.Errorf("failed run = %+v", got[1])
	}
	if got[0].Provider != "openai" || got[0].Model != "gpt-4o" || got[0].SessionID != "s2" {
		t.Errorf("run = %+v", got[0])
	}
}

func TestRecord_KeepsCallerID(t *testing.T) {
	s := testStore(t)
	id, err := s.Record(context.Background(), Run{ID: "fixed", Provider: "p", Model: "m", Prompt: "x"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id != "fixed" {
		t.Errorf("id = %q, want fixed", id)
	}
}

func TestRecord_TruncatesPreviews(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	long := strings.Repeat("é", previewLimit+50)
	if _, err := s.Record(ctx, Run{Provider: "p", Model: "m", Prompt: long, Response: long}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := s.Recent(ctx, 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("Recent: %v, %d", err, len(got))
	}
	if n := len([]rune(got[0].Prompt)); n != previewLimit+1 {
		t.Errorf("prompt preview has %d runes, want %d", n, previewLimit+1)
	}
}

func TestSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, r := range []Run{
		{Timestamp: now, Provider: "p", Model: "m", Prompt: "a", Steps: 2, Success: true},
		{Timestamp: now, Provider: "p", Model: "m", Prompt: "b", Steps: 3},
		{Timestamp: now.Add(-48 * time.Hour), Provider: "p", Model: "m", Prompt: "old", Steps: 5, Success: true},
	} {
		if _, err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRuns != 2 || sum.Succeeded != 1 || sum.Failed != 1 || sum.TotalSteps != 5 {
		t.Errorf("Summary = %+v", sum)
	}

	empty, err := s.Summary(ctx, now.Add(time.Hour), now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if empty.TotalRuns != 0 {
		t.Errorf("empty window TotalRuns = %d", empty.TotalRuns)
	}
}
