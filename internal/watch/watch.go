// Package watch implements the watcher-mode raw-line side file (spec.md
// sec 4.8): one line per inbound IRC message in the wire format
// "<unix_time>|<source>|<line>\n". This is a contract a downstream tool
// may parse, distinct from the daemon's own zerolog diagnostics.
package watch

import (
	"fmt"
	"os"
	"sync"
)

// File is a thread-safe appender for the watcher side file. Multiple
// Connections share one File when a single watch file path is configured
// for the whole daemon.
type File struct {
	mu sync.Mutex
	f  *os.File
}

// Open appends to (creating if necessary) the watcher file at path.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("watch: open %s: %w", path, err)
	}
	return &File{f: f}, nil
}

// WriteLine appends one raw-line record. unixTime is seconds since the
// epoch with fractional precision, matching irkerd.py's "%03f|%s|%s\n".
func (w *File) WriteLine(unixTime float64, source, line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.f, "%03f|%s|%s\n", unixTime, source, line)
	return err
}

// Close closes the underlying file.
func (w *File) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
