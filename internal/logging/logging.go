// Package logging builds the loggers used by long-running plansync
// processes. Interactive commands log straight to stderr; the daemon adds
// a size-rotated file under the data directory.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a stderr logger with the given prefix.
func New(prefix string) *log.Logger {
	return log.New(os.Stderr, prefix, log.LstdFlags)
}

// FileWriter returns a rotating writer for the log file at path. Rotation
// happens at 10 MB, keeping the three most recent backups for four weeks.
func FileWriter(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// NewDaemon returns a logger that writes to both stderr and a rotating
// file in dataDir, plus the file writer so the caller can close it.
func NewDaemon(dataDir, prefix string) (*log.Logger, io.WriteCloser, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, nil, err
	}
	w := FileWriter(filepath.Join(dataDir, "daemon.log"))
	return log.New(io.MultiWriter(os.Stderr, w), prefix, log.LstdFlags), w, nil
}
