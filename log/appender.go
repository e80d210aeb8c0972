package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/meshnet/config"
)

// LogAppender is an output destination for finished log lines.
type LogAppender interface {
	Write(p []byte) (int, error)
	// Refresh flushes anything buffered by the appender.
	Refresh()
	Close() error
}

// ConsoleAppender writes to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (c *ConsoleAppender) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.Stdout.Write(p)
}

func (c *ConsoleAppender) Refresh() {}

func (c *ConsoleAppender) Close() error { return nil }

// FileAppender writes to a file and splits it once it grows past FileSplitMB. In async mode
// lines are queued and flushed by a background goroutine every AsyncWriteMillSec; a full
// queue falls back to a direct write.
type FileAppender struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	size       int64
	splitBytes atomic.Int64
	seq        int

	async     bool
	queue     chan []byte
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFileAppender opens (lazily) cfg.LogPath.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	a := &FileAppender{
		path:  cfg.LogPath,
		async: cfg.IsAsync,
		done:  make(chan struct{}),
	}
	a.splitBytes.Store(int64(cfg.FileSplitMB) << 20)

	if a.async {
		size := cfg.AsyncCacheSize
		if size <= 0 {
			size = 1024
		}
		interval := time.Duration(cfg.AsyncWriteMillSec) * time.Millisecond
		if interval <= 0 {
			interval = 200 * time.Millisecond
		}
		a.queue = make(chan []byte, size)
		a.wg.Add(1)
		go a.loop(interval)
	}
	return a
}

func (a *FileAppender) loop(interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			a.drain()
			return
		case p := <-a.queue:
			a.mu.Lock()
			_, _ = a.writeLocked(p)
			a.mu.Unlock()
		case <-ticker.C:
			a.drain()
		}
	}
}

// drain writes whatever is queued right now.
func (a *FileAppender) drain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		select {
		case p := <-a.queue:
			_, _ = a.writeLocked(p)
		default:
			if a.file != nil {
				_ = a.file.Sync()
			}
			return
		}
	}
}

func (a *FileAppender) Write(p []byte) (int, error) {
	if a.async {
		cp := make([]byte, len(p))
		copy(cp, p)
		select {
		case a.queue <- cp:
			return len(p), nil
		default:
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeLocked(p)
}

func (a *FileAppender) writeLocked(p []byte) (int, error) {
	if a.file == nil {
		if err := a.openLocked(); err != nil {
			return 0, err
		}
	}
	if split := a.splitBytes.Load(); split > 0 && a.size > 0 && a.size+int64(len(p)) > split {
		if err := a.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := a.file.Write(p)
	a.size += int64(n)
	return n, err
}

func (a *FileAppender) openLocked() error {
	if dir := filepath.Dir(a.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.size = st.Size()
	return nil
}

func (a *FileAppender) rotateLocked() error {
	if err := a.file.Close(); err != nil {
		return err
	}
	a.file = nil
	a.seq++
	rotated := fmt.Sprintf("%s.%s.%d", a.path, time.Now().Format("20060102-150405"), a.seq)
	if err := os.Rename(a.path, rotated); err != nil {
		return err
	}
	return a.openLocked()
}

// Refresh flushes queued lines to disk.
func (a *FileAppender) Refresh() {
	if a.async {
		a.drain()
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_ = a.file.Sync()
	}
}

// OnConfigChanged picks up a new split size.
func (a *FileAppender) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if cfg, ok := newConfig.(*LogCfg); ok && configName == cfg.GetName() {
		a.splitBytes.Store(int64(cfg.FileSplitMB) << 20)
	}
	return nil
}

func (a *FileAppender) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.async {
			close(a.done)
			a.wg.Wait()
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.file != nil {
			err = a.file.Close()
			a.file = nil
		}
	})
	return err
}
