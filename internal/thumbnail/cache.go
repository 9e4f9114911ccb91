// Package thumbnail 在本地目录缓存缩放后的缩略图。
package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"jutjub/internal/storage"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Cache 首次访问时从文件存储读取原图，缩放到固定宽度后以 JPEG 保存。
type Cache struct {
	store  storage.Reader
	dir    string
	width  int
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New 创建缓存；width 小于等于 0 时使用 320。
func New(store storage.Reader, dir string, width int, logger *zap.Logger) *Cache {
	if width <= 0 {
		width = 320
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:  store,
		dir:    dir,
		width:  width,
		logger: logger.Named("thumbnail"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Get 返回记录 id 的缩略图内容与内容类型。原图无法解码时原样返回原图。
func (c *Cache) Get(ctx context.Context, id, key string) (io.ReadCloser, string, error) {
	if !safeID.MatchString(id) {
		return nil, "", fmt.Errorf("invalid video id %q", id)
	}
	cached := c.cachePath(id)

	if f, err := os.Open(cached); err == nil {
		return f, "image/jpeg", nil
	}

	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	// 等锁期间可能已由其他请求生成
	if f, err := os.Open(cached); err == nil {
		return f, "image/jpeg", nil
	}

	if err := c.generate(ctx, key, cached); err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, "", err
		}
		c.logger.Warn("thumbnail resize failed, serving original", zap.String("id", id), zap.Error(err))
		rc, rerr := c.store.Read(ctx, key)
		if rerr != nil {
			return nil, "", rerr
		}
		return rc, contentTypeOf(key), nil
	}

	f, err := os.Open(cached)
	if err != nil {
		return nil, "", fmt.Errorf("open cached thumbnail: %w", err)
	}
	return f, "image/jpeg", nil
}

// Evict 删除 id 对应的缓存文件，不存在时返回 nil。
func (c *Cache) Evict(id string) error {
	if !safeID.MatchString(id) {
		return nil
	}
	if err := os.Remove(c.cachePath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	c.mu.Lock()
	delete(c.locks, id)
	c.mu.Unlock()
	return nil
}

func (c *Cache) generate(ctx context.Context, key, dest string) error {
	rc, err := c.store.Read(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > c.width {
		img = imaging.Resize(img, c.width, 0, imaging.Lanczos)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("ensure cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, ".thumb-*")
	if err != nil {
		return fmt.Errorf("create temp thumbnail: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := imaging.Encode(tmp, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		tmp.Close()
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp thumbnail: %w", err)
	}
	return os.Rename(tmp.Name(), dest)
}

func (c *Cache) cachePath(id string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_w%d.jpg", id, c.width))
}

func (c *Cache) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

func contentTypeOf(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == ".jpg" {
		return "image/jpeg"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
