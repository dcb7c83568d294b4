package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	logFile *os.File
	mu      sync.Mutex
)

// Init sets up dual logging to stdout and the log file at path.
// An empty path keeps logging on stdout only.
func Init(path string) {
	if path == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	mu.Lock()
	logFile = f
	mu.Unlock()
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Logging to file: %s", path)
}

// Close detaches the log file and restores stdout-only logging.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	log.SetOutput(os.Stdout)
	err := logFile.Close()
	logFile = nil
	return err
}

// ReadTail returns the last n lines from the log file at path.
func ReadTail(path string, n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	// Rendered frames are never logged, but exec payloads can be long.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file at path.
func Clear(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil && logFile.Name() == path {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}

	if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate log file: %w", err)
	}
	return nil
}
