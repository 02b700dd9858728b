// Package logstream implements the per-agent append-only log writer and
// tail reader: size-based rotation plus an advisory file lock acquired
// asynchronously so writes never wait on it.
package logstream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/logx"
)

const (
	maxFileBytes = 10 * 1024 * 1024 // 10 MiB
	maxRotated   = 5
	rotateEvery  = 100 // write-count between rotation size checks
)

// Stream is the append-only writer for a single agent's log file.
type Stream struct {
	mu          sync.Mutex
	logDir      string
	agentID     int64
	agentName   string
	path        string
	file        *os.File
	size        int64
	writeCount  int
	lockFile    *os.File
	log         *logx.Logger
}

// New opens (lazily) a Stream for agentID/agentName under logDir. The
// directory and file are created on the first Write, not here.
func New(logDir string, agentID int64, agentName string) *Stream {
	return &Stream{
		logDir:    logDir,
		agentID:   agentID,
		agentName: agentName,
		log:       logx.NewLogger("logstream"),
	}
}

// Path returns the current log file path (valid after the first Write).
func (s *Stream) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Write appends chunk to the stream, creating the file and header block on
// first use and checking for rotation every rotateEvery writes.
func (s *Stream) Write(chunk []byte, header string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.open(header); err != nil {
			return err
		}
	}

	n, err := s.file.Write(chunk)
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindIO, err, "logstream write")
	}
	s.size += int64(n)
	s.writeCount++

	if s.writeCount%rotateEvery == 0 && s.size > maxFileBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) open(header string) error {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return agenterrors.Wrap(agenterrors.KindIO, err, "mkdir log dir")
	}
	ts := time.Now().UTC().Format("20060102T150405Z")
	s.path = filepath.Join(s.logDir, fmt.Sprintf("agent-%d-%s-%s.log", s.agentID, s.agentName, ts))

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindIO, err, "open log file")
	}
	s.file = f
	s.size = 0
	s.writeCount = 0

	if header != "" {
		n, werr := f.WriteString(header)
		if werr != nil {
			return agenterrors.Wrap(agenterrors.KindIO, werr, "write log header")
		}
		s.size += int64(n)
	}

	// Acquire the advisory lock in the background: writes proceed without
	// waiting on it. The lock only protects against other processes.
	go s.acquireLockAsync(s.path)

	return nil
}

func (s *Stream) acquireLockAsync(path string) {
	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		s.log.Warn("could not open lock file for %s: %v", path, err)
		return
	}
	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
		s.log.Warn("could not acquire advisory lock for %s: %v", path, err)
		_ = lf.Close()
		return
	}
	s.mu.Lock()
	s.lockFile = lf
	s.mu.Unlock()
}

// rotate closes the current file, shifts .1..4 to .2..5 (dropping .5),
// renames the active file to .1, and re-opens a fresh file for further
// writes. Caller holds s.mu.
func (s *Stream) rotate() error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return agenterrors.Wrap(agenterrors.KindIO, err, "close log file before rotate")
		}
		s.file = nil
	}
	s.releaseLock()

	for k := maxRotated - 1; k >= 1; k-- {
		src := fmt.Sprintf("%s.%d", s.path, k)
		dst := fmt.Sprintf("%s.%d", s.path, k+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.path+".1"); err != nil {
			return agenterrors.Wrap(agenterrors.KindIO, err, "rotate active log")
		}
	}
	if stale := fmt.Sprintf("%s.%d", s.path, maxRotated+1); fileExists(stale) {
		_ = os.Remove(stale)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindIO, err, "reopen log file after rotate")
	}
	s.file = f
	s.size = 0
	s.writeCount = 0
	go s.acquireLockAsync(s.path)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Stream) releaseLock() {
	if s.lockFile != nil {
		_ = syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
		_ = s.lockFile.Close()
		_ = os.Remove(s.lockFile.Name())
		s.lockFile = nil
	}
}

// Close releases the file handle and any held lock.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadIncremental returns bytes appended to path since fromByte, and the
// file's new total size.
func ReadIncremental(path string, fromByte int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fromByte, agenterrors.Wrap(agenterrors.KindIO, err, "open log for tail read")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fromByte, agenterrors.Wrap(agenterrors.KindIO, err, "stat log for tail read")
	}
	if info.Size() <= fromByte {
		return nil, info.Size(), nil
	}
	if _, err := f.Seek(fromByte, 0); err != nil {
		return nil, fromByte, agenterrors.Wrap(agenterrors.KindIO, err, "seek log for tail read")
	}
	buf := make([]byte, info.Size()-fromByte)
	if _, err := f.Read(buf); err != nil {
		return nil, fromByte, agenterrors.Wrap(agenterrors.KindIO, err, "read log tail")
	}
	return buf, info.Size(), nil
}

const (
	tailPollInterval  = 500 * time.Millisecond
	tailMaxNotExist   = 240 // ≈120s at 500ms
)

// TailLines polls path for new content, splitting on newlines and carrying
// a trailing partial line across polls, invoking onLine for each complete
// line. It returns when ctx-like stop channel is closed or an unrecoverable
// error occurs (including the file never appearing within tailMaxNotExist
// polls).
func TailLines(path string, stop <-chan struct{}, onLine func(line string)) error {
	var offset int64
	var partial string
	notExistPolls := 0

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			chunk, newSize, err := ReadIncremental(path, offset)
			if err != nil {
				if os.IsNotExist(errUnwrapStat(err)) {
					notExistPolls++
					if notExistPolls >= tailMaxNotExist {
						return agenterrors.New(agenterrors.KindIO, "cannot connect: log file never appeared")
					}
					continue
				}
				return err
			}
			notExistPolls = 0
			offset = newSize
			if len(chunk) == 0 {
				continue
			}
			text := partial + string(chunk)
			lines := splitLines(text)
			for i, line := range lines {
				if i == len(lines)-1 && !endsInNewline(text) {
					partial = line
					continue
				}
				onLine(line)
			}
			if endsInNewline(text) {
				partial = ""
			}
		}
	}
}

func errUnwrapStat(err error) error {
	var ce *agenterrors.Error
	if e, ok := err.(*agenterrors.Error); ok {
		ce = e
	}
	if ce != nil && ce.Cause != nil {
		return ce.Cause
	}
	return err
}

func endsInNewline(s string) bool {
	return len(s) > 0 && s[len(s)-1] == '\n'
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
