package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	logFile *os.File
	logPath string
	mu      sync.Mutex
)

// Options controls logger setup.
type Options struct {
	Level  string // zerolog level name, "info" if unparseable
	Format string // "json" or "console"
	Path   string // log file; empty disables the file sink
}

// Init configures the global zerolog logger to write to stdout and, when a
// path is given, to an append-only log file as well.
func Init(opts Options) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = os.Stdout
	if opts.Format == "console" {
		console = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	writers := []io.Writer{console}
	if f := openLogFile(opts.Path); f != nil {
		writers = append(writers, f)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	if logFile != nil {
		log.Info().Str("path", logPath).Msg("logging to file")
	}
}

func openLogFile(path string) *os.File {
	if path == "" {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: cannot create log directory: %v\n", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: cannot open log file %s: %v\n", path, err)
		return nil
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	logPath = path
	return f
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// ReadTail returns the last n lines from the log file.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if logPath == "" {
		return "", nil
	}
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	// Ring of the last n lines so large files are not held in memory.
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}
	return strings.Join(ring, "\n"), nil
}

// Clear truncates the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}
	if logPath == "" {
		return nil
	}
	return os.Truncate(logPath, 0)
}
