// Package logger wires slog to rotating per-role log files under the state
// directory, plus a separate sink for recovered panics.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a role logger.
type Options struct {
	Role     string // "relay", "endpoint", "tool-server", "admin"
	Dir      string // logs directory; empty logs to stderr only
	Level    slog.Level
	ToStderr bool // mirror to stderr (useful for foreground runs)
}

// Logger bundles the slog handle with its runtime-adjustable level and the
// resources to close on shutdown.
type Logger struct {
	*slog.Logger
	LevelVar *slog.LevelVar

	file       *lumberjack.Logger
	exceptions *lumberjack.Logger
}

// New creates a role logger writing <role>-<pid>.log, rotated at 10 MiB with
// 5 files retained.
func New(opts Options) *Logger {
	lv := &slog.LevelVar{}
	lv.Set(opts.Level)

	l := &Logger{LevelVar: lv}

	var out io.Writer = os.Stderr
	if opts.Dir != "" {
		pid := os.Getpid()
		l.file = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, fmt.Sprintf("%s-%d.log", opts.Role, pid)),
			MaxSize:    10, // MiB
			MaxBackups: 5,
		}
		l.exceptions = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, fmt.Sprintf("%s-%d-exceptions.log", opts.Role, pid)),
			MaxSize:    10,
			MaxBackups: 5,
		}
		if opts.ToStderr {
			out = io.MultiWriter(l.file, os.Stderr)
		} else {
			out = l.file
		}
	}

	l.Logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lv})).
		With("role", opts.Role)
	return l
}

// SetDebug flips the runtime level between debug and the given base level.
func (l *Logger) SetDebug(on bool, base slog.Level) {
	if on {
		l.LevelVar.Set(slog.LevelDebug)
	} else {
		l.LevelVar.Set(base)
	}
}

// Exception writes a recovered panic with its stack to the exception sink and
// the main log.
func (l *Logger) Exception(where string, recovered any) {
	l.Error("panic recovered", "where", where, "panic", recovered)
	if l.exceptions != nil {
		fmt.Fprintf(l.exceptions, "%s panic in %s: %v\n%s\n",
			time.Now().Format(time.RFC3339), where, recovered, debug.Stack())
	}
}

// Close releases the underlying files.
func (l *Logger) Close() error {
	var first error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			first = err
		}
	}
	if l.exceptions != nil {
		if err := l.exceptions.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// TailFile returns up to maxBytes from the end of the role's current log
// file. Used by the get_endpoint_logs command.
func TailFile(dir, role string, pid int, maxBytes int64) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.log", role, pid))
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := int64(0)
	if info.Size() > maxBytes {
		offset = info.Size() - maxBytes
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return "", err
	}
	return string(buf), nil
}
