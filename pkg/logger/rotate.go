package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rotatingFile 是审计日志的落盘文件。超过 maxSize 时把当前文件移为 path.1，
// 已有备份依次后移，超出 maxBackups 或早于 maxAge 的备份会被删除。
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time

	file *os.File
	size int64
}

func newRotatingFile(cfg AuditConfig) (*rotatingFile, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingFile{
		path:       cfg.Path,
		maxSize:    int64(orDefault(cfg.MaxSizeMB, 100)) << 20,
		maxBackups: orDefault(cfg.MaxBackups, 7),
		maxAge:     time.Duration(orDefault(cfg.MaxAgeDays, 30)) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.open(); err != nil {
		return 0, err
	}
	// 单条记录大于 maxSize 时仍写入当前文件，不做切分。
	if r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Sync 把审计记录刷到磁盘。
func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeFile()
}

func (r *rotatingFile) closeFile() error {
	if r.file == nil {
		return nil
	}
	err := errors.Join(r.file.Sync(), r.file.Close())
	r.file = nil
	r.size = 0
	return err
}

func (r *rotatingFile) open() error {
	if r.file != nil {
		return nil
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *rotatingFile) backup(i int) string {
	return fmt.Sprintf("%s.%d", r.path, i)
}

func (r *rotatingFile) rotate() error {
	if err := r.closeFile(); err != nil {
		return fmt.Errorf("close audit log before rotation: %w", err)
	}

	_ = os.Remove(r.backup(r.maxBackups))
	for i := r.maxBackups - 1; i >= 1; i-- {
		if err := os.Rename(r.backup(i), r.backup(i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("shift audit backup %d: %w", i, err)
		}
	}
	if err := os.Rename(r.path, r.backup(1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	r.pruneExpired()
	return r.open()
}

func (r *rotatingFile) pruneExpired() {
	cutoff := r.now().Add(-r.maxAge)
	for i := 1; i <= r.maxBackups; i++ {
		info, err := os.Stat(r.backup(i))
		if err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(r.backup(i))
		}
	}
}
