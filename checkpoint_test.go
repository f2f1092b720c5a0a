package ensemble

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMemoryCheckpointStoreAppendAssignsSeq(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec, err := s.Append(ctx, CheckpointRecord{
			WorkflowID: "wf-1",
			StepName:   "step",
			State:      json.RawMessage(`{}`),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if rec.Seq != int64(i) {
			t.Errorf("Seq = %d, want %d", rec.Seq, i)
		}
		if rec.CreatedAt.IsZero() {
			t.Error("CreatedAt not stamped")
		}
	}
}

func TestMemoryCheckpointStoreSeqPerWorkflow(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	a, _ := s.Append(ctx, CheckpointRecord{WorkflowID: "a", State: json.RawMessage(`{}`)})
	b, _ := s.Append(ctx, CheckpointRecord{WorkflowID: "b", State: json.RawMessage(`{}`)})
	if a.Seq != 1 || b.Seq != 1 {
		t.Errorf("Seq = %d, %d; want independent sequences per workflow", a.Seq, b.Seq)
	}
}

func TestMemoryCheckpointStoreLatest(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	if _, ok, err := s.Latest(ctx, "missing"); err != nil || ok {
		t.Fatalf("Latest(missing) = ok=%v err=%v, want ok=false", ok, err)
	}

	s.Append(ctx, CheckpointRecord{WorkflowID: "wf", StepName: "start", State: json.RawMessage(`{"n":1}`)})
	s.Append(ctx, CheckpointRecord{WorkflowID: "wf", StepName: "analyze", ParentStep: "start", State: json.RawMessage(`{"n":2}`)})

	rec, ok, err := s.Latest(ctx, "wf")
	if err != nil || !ok {
		t.Fatalf("Latest = ok=%v err=%v", ok, err)
	}
	if rec.StepName != "analyze" || rec.Seq != 2 {
		t.Errorf("Latest = %+v, want analyze seq=2", rec)
	}
	if rec.ParentStep != "start" {
		t.Errorf("ParentStep = %q, want start", rec.ParentStep)
	}
}

func TestMemoryCheckpointStoreHistoryOrder(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	for _, step := range []string{"start", "a", "b"} {
		s.Append(ctx, CheckpointRecord{WorkflowID: "wf", StepName: step, State: json.RawMessage(`{}`)})
	}
	hist, err := s.History(ctx, "wf")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("len = %d, want 3", len(hist))
	}
	for i, want := range []string{"start", "a", "b"} {
		if hist[i].StepName != want {
			t.Errorf("hist[%d] = %s, want %s", i, hist[i].StepName, want)
		}
		if hist[i].Seq != int64(i+1) {
			t.Errorf("hist[%d].Seq = %d, want %d", i, hist[i].Seq, i+1)
		}
	}
}

func TestWorkflowStateRoundTrip(t *testing.T) {
	st := newWorkflowState(WorkflowFeatureDevelopment, "build a cache", "in Go")
	st.Tasks["analyze"] = TaskCompleted
	st.addOutput(RoleOutput{TaskID: "analyze", Role: RoleAnalyst, Op: OpAnalyze, Status: TaskCompleted, Summary: "spec ready", Usage: Usage{PromptTokens: 100, CompletionTokens: 50}})
	st.addOutput(RoleOutput{TaskID: "analyze", Summary: "must not replace"})
	st.addFiles([]string{"a.go", "b.go", "a.go"})
	st.addError("implement", KindTimeout, "deadline exceeded")

	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back WorkflowState
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if len(back.Outputs) != 1 || back.Outputs[0].Summary != "spec ready" {
		t.Errorf("Outputs = %+v, want single first-wins entry", back.Outputs)
	}
	if len(back.FilesWritten) != 2 {
		t.Errorf("FilesWritten = %v, want deduped [a.go b.go]", back.FilesWritten)
	}
	if back.Usage.PromptTokens != 100 || back.Usage.CompletionTokens != 50 {
		t.Errorf("Usage = %+v, want accumulated from outputs", back.Usage)
	}
	if len(back.Errors) != 1 || back.Errors[0].Kind != KindTimeout {
		t.Errorf("Errors = %+v", back.Errors)
	}
	if back.WorkflowID != st.WorkflowID {
		t.Errorf("WorkflowID = %q, want %q", back.WorkflowID, st.WorkflowID)
	}
}
