package debug

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	var nilLogger *Logger
	nilLogger.LogIncomingRequest(map[string]string{"a": "b"})
	nilLogger.LogUpstreamLine(1, "data: x")
	nilLogger.Close()

	l := New(false, true, "x")
	l.LogOutputEvent(`{"content":"hi"}`)
	if l.Dir() != "" {
		t.Fatalf("Dir()=%q want empty", l.Dir())
	}
}

func TestLoggerWritesDumpFiles(t *testing.T) {
	chdirTemp(t)

	l := New(true, true, "abc")
	l.LogIncomingRequest(map[string]interface{}{"text": "describe this"})
	l.LogUpstreamRequest("http://model/v1/chat/completions", map[string]interface{}{"model": "m"})
	l.LogUpstreamLine(1, `data: {"choices":[]}`)
	l.LogOutputEvent(`{"content":"A "}`)
	l.LogSummary(map[string]interface{}{"outcome": "done"})
	l.Close()

	dir := l.Dir()
	if !strings.HasSuffix(dir, "_abc") {
		t.Fatalf("Dir()=%q", dir)
	}
	for _, name := range []string{"1_incoming_request.json", "2_upstream_request.json", "3_upstream_sse.log", "4_client_sse.log", "5_summary.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	raw, err := os.ReadFile(filepath.Join(dir, "3_upstream_sse.log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "attempt=1") {
		t.Fatalf("unexpected sse log: %s", raw)
	}
}

func TestCleanupOldDirs(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"2024-01-01_00-00-01", "2024-01-01_00-00-02", "2024-01-01_00-00-03"} {
		if err := os.MkdirAll(filepath.Join(base, name), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	cleanupOldDirs(base, 2)

	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("kept %d dirs want 2", len(entries))
	}
	if entries[0].Name() != "2024-01-01_00-00-02" {
		t.Fatalf("oldest dir kept: %s", entries[0].Name())
	}
}
