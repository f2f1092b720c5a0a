package ensemble

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceWrite(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}

	rel, collision, err := ws.Write(Artifact{Path: "src/main.go", Content: "package main\n"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if rel != "src/main.go" {
		t.Errorf("rel = %q, want src/main.go", rel)
	}
	if collision {
		t.Error("first write flagged as collision")
	}

	data, err := os.ReadFile(filepath.Join(ws.Root(), "src", "main.go"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "package main\n" {
		t.Errorf("content = %q", data)
	}
}

func TestWorkspaceCollisionOnDifferentContent(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}

	if _, _, err := ws.Write(Artifact{Path: "a.txt", Content: "one"}); err != nil {
		t.Fatal(err)
	}
	_, collision, err := ws.Write(Artifact{Path: "a.txt", Content: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if !collision {
		t.Error("rewrite with different content not flagged as collision")
	}

	// Same content again is idempotent, not a collision.
	_, collision, err = ws.Write(Artifact{Path: "a.txt", Content: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if collision {
		t.Error("identical rewrite flagged as collision")
	}

	data, _ := os.ReadFile(filepath.Join(ws.Root(), "a.txt"))
	if string(data) != "two" {
		t.Errorf("content = %q, want last write to win", data)
	}
}

func TestWorkspaceRejectsEscapingPath(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	for _, p := range []string{"../escape.txt", "/abs.txt", "a/../../x"} {
		_, _, err := ws.Write(Artifact{Path: p, Content: "x"})
		var ve *ErrValidation
		if !errors.As(err, &ve) {
			t.Errorf("Write(%q) error = %v, want *ErrValidation", p, err)
		}
	}
}

func TestWorkspaceFiles(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	for _, p := range []string{"b.txt", "a.txt"} {
		if _, _, err := ws.Write(Artifact{Path: p, Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	got := ws.Files()
	if len(got) != 2 || got[0] != "a.txt" || got[1] != "b.txt" {
		t.Errorf("Files() = %v, want sorted [a.txt b.txt]", got)
	}
}
