package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"jutjub/internal/storage"
)

const tempSuffix = ".tmp"

// Store 将文件写入本地文件系统，所有 key 都解析到 BaseDir 之下。
type Store struct {
	BaseDir string
	BaseURL string
}

func New(baseDir, baseURL string) *Store {
	return &Store{BaseDir: baseDir, BaseURL: baseURL}
}

// Write 先写入临时文件并 fsync，成功后原子重命名到目标路径。
func (s *Store) Write(ctx context.Context, key string, r io.Reader) (storage.Location, error) {
	if s == nil {
		return storage.Location{}, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return storage.Location{}, ctx.Err()
	default:
	}

	targetPath, err := s.resolve(key)
	if err != nil {
		return storage.Location{}, err
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return storage.Location{}, fmt.Errorf("ensure dir: %w", err)
	}

	tempPath := targetPath + tempSuffix
	file, err := os.Create(tempPath)
	if err != nil {
		return storage.Location{}, fmt.Errorf("create temp file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, storage.ContextReader(ctx, r)); err != nil {
		file.Close()
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("write file: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("sync file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("close file: %w", err)
	}

	// 拷贝结束后再确认一次，超时的写入不应该再出现在目标路径上
	if err := ctx.Err(); err != nil {
		os.Remove(tempPath)
		return storage.Location{}, err
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("rename temp file: %w", err)
	}

	loc := storage.Location{Key: key, Path: targetPath}
	if s.BaseURL != "" {
		u, err := url.JoinPath(s.BaseURL, filepath.ToSlash(key))
		if err == nil {
			loc.URL = u
		}
	}

	return loc, nil
}

// Read 打开并返回指定 key 对应的文件内容，返回值实现 io.ReadSeeker。
func (s *Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil {
		return nil, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	targetPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(targetPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotExist, key)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}

	return file, nil
}

// Stat 返回文件大小。
func (s *Store) Stat(ctx context.Context, key string) (storage.Info, error) {
	if s == nil {
		return storage.Info{}, fmt.Errorf("local store uninitialized")
	}

	targetPath, err := s.resolve(key)
	if err != nil {
		return storage.Info{}, err
	}
	info, err := os.Stat(targetPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.Info{}, fmt.Errorf("%w: %s", storage.ErrNotExist, key)
		}
		return storage.Info{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return storage.Info{}, fmt.Errorf("%s is a directory", key)
	}

	return storage.Info{Key: key, Size: info.Size()}, nil
}

// Delete 删除目标文件以及可能残留的临时文件。
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil {
		return fmt.Errorf("local store uninitialized")
	}

	targetPath, err := s.resolve(key)
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range []string{targetPath, targetPath + tempSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", filepath.Base(p), err))
		}
	}
	return errors.Join(errs...)
}

// resolve 把 key 映射到 BaseDir 内部，拒绝越界路径。
func (s *Store) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.BaseDir, cleaned), nil
}
