package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// StoreOption 调整 Store 的底层实现，主要用于测试注入文件系统。
type StoreOption func(*fileStore)

// WithFs 替换底层文件系统（默认 afero.NewOsFs）。
func WithFs(fsys afero.Fs) StoreOption {
	return func(s *fileStore) {
		s.fs = fsys
	}
}

// NewStore 以 basePath 为缓存根目录构建静态文件存储，整站复用一份实例。
func NewStore(basePath string, opts ...StoreOption) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	s := &fileStore{
		basePath: abs,
		fs:       afero.NewOsFs(),
		locks:    make(map[string]*entryLock),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.fs.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	return s, nil
}

// fileStore 通过 entryLock 避免同一路径并发写入；不同路径互不阻塞。
type fileStore struct {
	basePath string
	fs       afero.Fs

	mu    sync.Mutex
	locks map[string]*entryLock

	pendingMu sync.Mutex
	pending   []string
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Write(ctx context.Context, path string, body []byte, opts WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkPath(path); err != nil {
		return err
	}

	unlock := s.lockEntry(path)
	defer unlock()

	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	if err := s.writeAtomic(path, body); err != nil {
		return fmt.Errorf("write static file: %w", err)
	}

	gzPath := path + GzipSuffix
	if opts.Compress {
		if compressed := compress(body, opts.CompressionLevel); len(compressed) > 0 {
			if err := s.writeAtomic(gzPath, compressed); err != nil {
				_ = s.fs.Remove(gzPath)
			}
		} else {
			_ = s.fs.Remove(gzPath)
		}
	} else if err := s.fs.Remove(gzPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale gzip variant: %w", err)
	}

	if opts.AccessControl != nil {
		descriptor, err := opts.AccessControl.Render()
		if err != nil {
			return fmt.Errorf("render access control: %w", err)
		}
		if err := s.writeAtomic(filepath.Join(dir, DescriptorName), descriptor); err != nil {
			return fmt.Errorf("write access control: %w", err)
		}
	}
	return nil
}

func (s *fileStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkPath(path); err != nil {
		return err
	}

	unlock := s.lockEntry(path)
	defer unlock()

	files := []string{
		path,
		path + GzipSuffix,
		filepath.Join(filepath.Dir(path), DescriptorName),
	}
	var failed RemoveError
	for _, file := range files {
		if err := s.fs.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			failed.Files = append(failed.Files, file)
			failed.Errs = append(failed.Errs, err)
		}
	}
	if len(failed.Files) > 0 {
		return &failed
	}
	return nil
}

func (s *fileStore) Exists(path string) bool {
	info, err := s.fs.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func (s *fileStore) Read(path string) ([]byte, error) {
	if !s.Exists(path) {
		return nil, ErrNotFound
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *fileStore) SoftRemove(dir string) error {
	if err := s.checkPath(dir); err != nil {
		return err
	}
	if _, err := s.fs.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	target := fmt.Sprintf("%s-remove-%s", dir, uuid.NewString())
	if err := s.fs.Rename(dir, target); err != nil {
		return fmt.Errorf("soft remove %s: %w", dir, err)
	}

	s.pendingMu.Lock()
	s.pending = append(s.pending, target)
	s.pendingMu.Unlock()
	return nil
}

func (s *fileStore) RemoveDirs() error {
	s.pendingMu.Lock()
	dirs := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	var errs []error
	for _, dir := range dirs {
		if err := s.fs.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

// writeAtomic 先写同目录临时文件再 rename，避免读者看到半截内容。
func (s *fileStore) writeAtomic(path string, data []byte) error {
	tempFile, err := afero.TempFile(s.fs, filepath.Dir(path), ".sfc-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tempName)
		return err
	}

	if err := s.fs.Chmod(tempName, 0o644); err != nil {
		_ = s.fs.Remove(tempName)
		return err
	}
	if err := s.fs.Rename(tempName, path); err != nil {
		_ = s.fs.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(path string) func() {
	s.mu.Lock()
	lock := s.locks[path]
	if lock == nil {
		lock = &entryLock{}
		s.locks[path] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, path)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) checkPath(path string) error {
	cleaned := filepath.Clean(path)
	if cleaned != path || !filepath.IsAbs(path) {
		return fmt.Errorf("invalid cache path: %s", path)
	}
	if len(path) <= len(s.basePath) || path[:len(s.basePath)+1] != s.basePath+string(os.PathSeparator) {
		return fmt.Errorf("cache path outside storage root: %s", path)
	}
	return nil
}

// compress 返回 body 的 gzip 结果，失败或结果为空时返回 nil。
func compress(body []byte, level int) []byte {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil
	}
	if _, err := zw.Write(body); err != nil {
		return nil
	}
	if err := zw.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}
