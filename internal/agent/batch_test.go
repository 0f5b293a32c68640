package agent

import (
	"log/slog"
	"testing"
)

func TestBatchResolvesOutOfOrder(t *testing.T) {
	m := NewBatchManager(slog.Default())
	m.Start("prompt-1")
	m.AddTool("tu-1", "shell")
	m.AddTool("tu-2", "shell")
	m.SetProposalID("tu-1", "prop-1")
	m.SetProposalID("tu-2", "prop-2")

	if m.IsComplete() {
		t.Fatal("batch complete with nothing resolved")
	}

	// Second proposal resolves before the first.
	m.ResolveSuccess("tu-2", "second output")
	if m.IsComplete() {
		t.Fatal("batch complete with one entry pending")
	}
	m.ResolveSuccess("tu-1", "first output")
	if !m.IsComplete() {
		t.Fatal("batch not complete after all entries resolved")
	}

	completed, ok := m.Complete()
	if !ok {
		t.Fatal("Complete returned false on a resolved batch")
	}
	if completed.PromptRef != "prompt-1" {
		t.Errorf("prompt ref = %q", completed.PromptRef)
	}
	if completed.HadRejection {
		t.Error("rejection flagged without a rejection")
	}
	// Results come back in proposal order regardless of resolution order.
	if len(completed.Results) != 2 ||
		completed.Results[0].ToolUseID != "tu-1" ||
		completed.Results[1].ToolUseID != "tu-2" {
		t.Fatalf("results out of order: %+v", completed.Results)
	}
	if m.Active() {
		t.Error("batch still active after Complete")
	}
}

func TestBatchFindByProposalID(t *testing.T) {
	m := NewBatchManager(slog.Default())
	m.Start("p")
	m.AddTool("tu-1", "shell")
	m.SetProposalID("tu-1", "prop-1")

	if id, ok := m.FindByProposalID("prop-1"); !ok || id != "tu-1" {
		t.Errorf("FindByProposalID = %q, %v", id, ok)
	}
	if _, ok := m.FindByProposalID("prop-unknown"); ok {
		t.Error("found an unknown proposal")
	}
}

func TestBatchRejectionFlag(t *testing.T) {
	m := NewBatchManager(slog.Default())
	m.Start("p")
	m.AddTool("tu-1", "shell")
	m.ResolveFailed("tu-1", "rejected by human: too risky")
	m.MarkRejected()

	completed, ok := m.Complete()
	if !ok {
		t.Fatal("Complete returned false")
	}
	if !completed.HadRejection {
		t.Error("rejection flag lost")
	}
	if !completed.Results[0].IsError {
		t.Error("rejected entry not marked as error")
	}
}

func TestBatchStartWhilePendingDiscards(t *testing.T) {
	m := NewBatchManager(slog.Default())
	m.Start("old")
	m.AddTool("tu-old", "shell")

	m.Start("new")
	m.AddTool("tu-new", "shell")
	m.ResolveSuccess("tu-new", "ok")

	completed, ok := m.Complete()
	if !ok {
		t.Fatal("Complete returned false")
	}
	if completed.PromptRef != "new" || len(completed.Results) != 1 {
		t.Fatalf("old batch leaked into new: %+v", completed)
	}
}

func TestBatchDoubleResolveKeepsFirst(t *testing.T) {
	m := NewBatchManager(slog.Default())
	m.Start("p")
	m.AddTool("tu-1", "shell")
	m.ResolveSuccess("tu-1", "first")
	m.ResolveFailed("tu-1", "second")

	completed, _ := m.Complete()
	if completed.Results[0].IsError || completed.Results[0].Content != "first" {
		t.Errorf("second resolution overwrote the first: %+v", completed.Results[0])
	}
}

func TestBatchCompleteWithoutBatch(t *testing.T) {
	m := NewBatchManager(slog.Default())
	if _, ok := m.Complete(); ok {
		t.Error("Complete succeeded with no batch")
	}
	if m.IsComplete() {
		t.Error("empty manager reports complete")
	}
	// Resolutions against a cleared manager must not panic.
	m.ResolveSuccess("tu-ghost", "x")
	m.MarkRejected()
	m.Clear()
}
