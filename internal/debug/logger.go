package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// BaseDir holds one sub-directory per debugged request.
const BaseDir = "debug-logs"

// maxKeptDirs bounds how many request dumps survive on disk.
const maxKeptDirs = 200

// Logger writes per-request dump files. A nil or disabled Logger is a no-op.
type Logger struct {
	enabled    bool
	sseEnabled bool
	dir        string
	rawFile    *os.File
	outFile    *os.File
	mu         sync.Mutex
	startTime  time.Time
}

// New creates a request logger; id distinguishes concurrent requests that
// start within the same second.
func New(enabled bool, sseEnabled bool, id string) *Logger {
	if !enabled {
		return &Logger{enabled: false}
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	name := timestamp
	if id != "" {
		name = timestamp + "_" + id
	}
	dir := filepath.Join(BaseDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &Logger{enabled: false}
	}
	cleanupOldDirs(BaseDir, maxKeptDirs)

	return &Logger{
		enabled:    true,
		sseEnabled: sseEnabled,
		dir:        dir,
		startTime:  time.Now(),
	}
}

// CleanupAllLogs removes every previous dump (called on startup).
func CleanupAllLogs() {
	os.RemoveAll(BaseDir)
	os.MkdirAll(BaseDir, 0755)
}

func (l *Logger) on() bool {
	return l != nil && l.enabled
}

// Dir returns the dump directory, or "" when disabled.
func (l *Logger) Dir() string {
	if !l.on() {
		return ""
	}
	return l.dir
}

// LogIncomingRequest records 1. the inbound request metadata.
func (l *Logger) LogIncomingRequest(req interface{}) {
	if !l.on() {
		return
	}
	l.writeJSON("1_incoming_request.json", req)
}

// LogUpstreamRequest records 2. the request sent upstream.
func (l *Logger) LogUpstreamRequest(url string, body interface{}) {
	if !l.on() {
		return
	}
	data := map[string]interface{}{
		"url":  url,
		"body": body,
	}
	l.writeJSON("2_upstream_request.json", data)
}

// LogUpstreamLine appends 3. one raw upstream line.
func (l *Logger) LogUpstreamLine(attempt int, line string) {
	if !l.on() || !l.sseEnabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rawFile == nil {
		f, err := os.OpenFile(filepath.Join(l.dir, "3_upstream_sse.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		l.rawFile = f
	}

	elapsed := time.Since(l.startTime).Milliseconds()
	fmt.Fprintf(l.rawFile, "[%dms] attempt=%d %s\n", elapsed, attempt, line)
}

// LogOutputEvent appends 4. one event sent to the client.
func (l *Logger) LogOutputEvent(data string) {
	if !l.on() || !l.sseEnabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outFile == nil {
		f, err := os.OpenFile(filepath.Join(l.dir, "4_client_sse.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		l.outFile = f
	}

	elapsed := time.Since(l.startTime).Milliseconds()
	fmt.Fprintf(l.outFile, "[%dms] data: %s\n\n", elapsed, data)
}

// LogSummary records 5. the request outcome.
func (l *Logger) LogSummary(summary interface{}) {
	if !l.on() {
		return
	}
	l.writeJSON("5_summary.json", summary)
}

// Close closes the append-mode files.
func (l *Logger) Close() {
	if !l.on() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rawFile != nil {
		l.rawFile.Close()
		l.rawFile = nil
	}
	if l.outFile != nil {
		l.outFile.Close()
		l.outFile = nil
	}
}

func (l *Logger) writeJSON(filename string, data interface{}) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(l.dir, filename), jsonData, 0644)
}

func cleanupOldDirs(basePath string, maxKeep int) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return
	}

	var dirs []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		}
	}

	if len(dirs) <= maxKeep {
		return
	}

	// newest first; names are timestamps
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].Name() > dirs[j].Name()
	})

	for i := maxKeep; i < len(dirs); i++ {
		os.RemoveAll(filepath.Join(basePath, dirs[i].Name()))
	}
}
