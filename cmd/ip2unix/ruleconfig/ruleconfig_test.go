package ruleconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseBareList(t *testing.T) {
	data := []byte(`
- address: "10.0.0.*"
  socket_path: "/run/svc-%p.sock"
- direction: outgoing
  blackhole: true
`)
	list, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d rules, want 2", len(list))
	}
	if list[0].SocketPath != "/run/svc-%p.sock" {
		t.Errorf("rule 0 socket_path = %q", list[0].SocketPath)
	}
	if !list[1].Blackhole {
		t.Errorf("rule 1 expected blackhole=true")
	}
}

func TestParseDocumentForm(t *testing.T) {
	data := []byte(`
tags:
  env: prod
rules:
  - reject: true
    reject_errno: 111
`)
	list, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(list) != 1 || !list[0].Reject || list[0].RejectErrno != 111 {
		t.Fatalf("unexpected result: %+v", list)
	}
}

func TestParseRejectsInvalidRule(t *testing.T) {
	data := []byte(`
- address: "10.0.0.*"
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected validation error for a rule with no actionable outcome")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("- socket_path: \"/run/x.sock\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	list, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(list) != 1 || list[0].SocketPath != "/run/x.sock" {
		t.Fatalf("unexpected result: %+v", list)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile("/nonexistent/rules.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInline(t *testing.T) {
	list, err := LoadInline(`[{"blackhole": true}]`)
	if err != nil {
		t.Fatalf("LoadInline: %v", err)
	}
	if len(list) != 1 || !list[0].Blackhole {
		t.Fatalf("unexpected result: %+v", list)
	}
}
