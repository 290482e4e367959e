package connector

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DedupLogFileName is the name of the dedup log inside the output directory.
const DedupLogFileName = "imageLog.txt"

// DedupLog is the durable set of media URLs that have already been written
// to disk. The file holds one URL per line and is only ever appended to.
// The whole file is loaded once at open; lookups never touch the disk.
type DedupLog struct {
	lock sync.Mutex
	file *os.File
	seen map[string]struct{}
	// needsNewline is set when the file did not end with a newline at open,
	// e.g. after a crash in the middle of an append.
	needsNewline bool
}

// OpenDedupLog opens or creates <dir>/imageLog.txt.
func OpenDedupLog(dir string) (*DedupLog, error) {
	path := filepath.Join(dir, DedupLogFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup log: %w", err)
	}
	dl := &DedupLog{file: file, seen: make(map[string]struct{})}
	if err = dl.hydrate(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to read dedup log %s: %w", path, err)
	}
	return dl, nil
}

func (dl *DedupLog) hydrate() error {
	if _, err := dl.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(dl.file)
	var lastByte byte = '\n'
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			lastByte = line[len(line)-1]
			if entry := strings.TrimSpace(line); entry != "" {
				dl.seen[entry] = struct{}{}
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	dl.needsNewline = lastByte != '\n'
	return nil
}

// Contains reports whether url was recorded by this or any previous run.
func (dl *DedupLog) Contains(url string) bool {
	dl.lock.Lock()
	defer dl.lock.Unlock()
	_, ok := dl.seen[url]
	return ok
}

// Record appends url to the log and syncs it to disk. Recording a URL that
// is already present is a no-op.
func (dl *DedupLog) Record(url string) error {
	url = strings.TrimSpace(url)
	if url == "" || strings.ContainsAny(url, "\r\n") {
		return fmt.Errorf("invalid dedup log entry %q", url)
	}
	dl.lock.Lock()
	defer dl.lock.Unlock()
	if _, ok := dl.seen[url]; ok {
		return nil
	}
	line := url + "\n"
	if dl.needsNewline {
		line = "\n" + line
	}
	if _, err := dl.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to append to dedup log: %w", err)
	}
	if err := dl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync dedup log: %w", err)
	}
	dl.needsNewline = false
	dl.seen[url] = struct{}{}
	return nil
}

// Len returns the number of recorded URLs.
func (dl *DedupLog) Len() int {
	dl.lock.Lock()
	defer dl.lock.Unlock()
	return len(dl.seen)
}

func (dl *DedupLog) Close() error {
	dl.lock.Lock()
	defer dl.lock.Unlock()
	return dl.file.Close()
}
