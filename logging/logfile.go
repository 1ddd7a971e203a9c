package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var now = time.Now

// LogFile is an io.Writer that rotates the file it writes to by age and
// size, and prunes archived files.
type LogFile struct {
	// fileName is the name of the active log file
	fileName string

	// logPath is the directory holding the log files
	logPath string

	// duration is the time after which the file is rotated
	duration time.Duration

	// LastCreated is when the active file was opened
	LastCreated time.Time

	// FileInfo is the active file
	FileInfo *os.File

	// MaxBytes is the size after which the file is rotated
	MaxBytes int

	// BytesWritten is the number of bytes written to the active file
	BytesWritten int64

	// MaxFiles is the number of archived files kept. Zero keeps all of them
	// and a negative value keeps none.
	MaxFiles int

	acquire sync.Mutex
}

func (l *LogFile) fileNamePattern() string {
	ext := filepath.Ext(l.fileName)
	if ext == "" {
		ext = ".log"
	}
	return strings.TrimSuffix(l.fileName, ext) + "-%d" + ext
}

func (l *LogFile) openNew() error {
	path := filepath.Join(l.logPath, l.fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	l.FileInfo = f
	l.LastCreated = now()
	l.BytesWritten = 0
	return nil
}

func (l *LogFile) rotate() error {
	elapsed := now().Sub(l.LastCreated)
	bySize := l.MaxBytes > 0 && l.BytesWritten >= int64(l.MaxBytes)
	byAge := l.duration > 0 && elapsed >= l.duration
	if !bySize && !byAge {
		return nil
	}
	l.FileInfo.Close()
	archived := fmt.Sprintf(l.fileNamePattern(), now().UnixNano())
	if err := os.Rename(filepath.Join(l.logPath, l.fileName), filepath.Join(l.logPath, archived)); err != nil {
		return err
	}
	if err := l.pruneFiles(); err != nil {
		return err
	}
	return l.openNew()
}

func (l *LogFile) pruneFiles() error {
	if l.MaxFiles == 0 {
		return nil
	}
	pattern := filepath.Join(l.logPath, strings.Replace(l.fileNamePattern(), "%d", "*", 1))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	var stale int
	switch {
	case l.MaxFiles < 0:
		stale = len(matches)
	case len(matches) <= l.MaxFiles:
		return nil
	default:
		stale = len(matches) - l.MaxFiles
	}
	for _, m := range matches[:stale] {
		if err := os.Remove(m); err != nil {
			return err
		}
	}
	return nil
}

// Write writes to the active file, rotating it first when it is due.
func (l *LogFile) Write(b []byte) (int, error) {
	l.acquire.Lock()
	defer l.acquire.Unlock()

	if l.FileInfo == nil {
		if err := l.openNew(); err != nil {
			return 0, err
		}
	}
	if err := l.rotate(); err != nil {
		return 0, err
	}
	n, err := l.FileInfo.Write(b)
	l.BytesWritten += int64(n)
	return n, err
}
