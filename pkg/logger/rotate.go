package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"
)

const backupStamp = "20060102T150405.000"

// rotatingFile 是审计日志使用的按大小切分的文件。切分后的文件以
// "<path>.<UTC 时间戳>" 命名，超过保留数量或保留天数的旧文件会被清理。
type rotatingFile struct {
	mu      sync.Mutex
	path    string
	limit   int64
	keep    int
	maxAge  time.Duration
	now     func() time.Time
	file    *os.File
	written int64
}

func newRotatingFile(cfg AuditConfig) (*rotatingFile, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingFile{
		path:   cfg.Path,
		limit:  int64(cfg.MaxSizeMB) << 20,
		keep:   cfg.MaxBackups,
		maxAge: time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		now:    time.Now,
	}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.open(); err != nil {
		return 0, err
	}
	// 单条超限的记录写入新文件，不会被拆分。
	if r.written > 0 && r.written+int64(len(p)) > r.limit {
		if err := r.rotate(); err != nil {
			return 0, err
		}
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
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
	err := r.file.Close()
	r.file = nil
	r.written = 0
	return err
}

func (r *rotatingFile) open() error {
	if r.file != nil {
		return nil
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", r.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log %s: %w", r.path, err)
	}
	r.file = f
	r.written = info.Size()
	return nil
}

func (r *rotatingFile) rotate() error {
	if err := r.closeFile(); err != nil {
		return err
	}
	now := r.now()
	base := r.path + "." + now.UTC().Format(backupStamp)
	target := base
	for i := 1; ; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = base + "-" + strconv.Itoa(i)
	}
	if err := os.Rename(r.path, target); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	r.prune(now)
	return nil
}

// prune 删除超出保留数量或过期的备份。时间戳命名保证字典序即时间序。
func (r *rotatingFile) prune(now time.Time) {
	backups, err := filepath.Glob(r.path + ".*")
	if err != nil {
		return
	}
	slices.Sort(backups)
	slices.Reverse(backups)

	cutoff := now.Add(-r.maxAge)
	for i, backup := range backups {
		if i >= r.keep {
			_ = os.Remove(backup)
			continue
		}
		if info, err := os.Stat(backup); err == nil && r.maxAge > 0 && info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}
