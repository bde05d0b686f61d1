package wire

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowrite/flowrite/internal/common/logger"
)

const logPrefix = "wire-"

// Log is the per-process wire log: one timestamped line per JSON-RPC
// frame, tagged with its direction ("->" client to agent, "<-" agent to
// client).
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenLog creates a fresh wire log for one agent process under dir.
func OpenLog(dir, agentID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wire log dir: %w", err)
	}
	name := fmt.Sprintf("%s%s-%d.log", logPrefix, agentID, time.Now().Unix())
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create wire log: %w", err)
	}
	return &Log{f: f, path: path}, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func (l *Log) writeLine(direction string, line []byte) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	fmt.Fprintf(l.f, "%s %s %s\n", ts, direction, strings.TrimRight(string(line), "\r\n"))
}

// CleanupLogs removes wire log files under dir older than maxAge.
// Failures are logged and otherwise ignored.
func CleanupLogs(dir string, maxAge time.Duration, log *logger.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), logPrefix) || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("failed to remove old wire log", zap.String("path", path), zap.Error(err))
		}
	}
}
