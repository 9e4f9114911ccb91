package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist 表示目标对象不存在。
var ErrNotExist = errors.New("storage: object does not exist")

// Writer 定义对象存储写接口，支持流式写入。
type Writer interface {
	Write(ctx context.Context, key string, r io.Reader) (Location, error)
}

// Reader 定义对象存储读接口，支持流式读取。
type Reader interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
}

// Stater 查询已写入对象的元信息。
type Stater interface {
	Stat(ctx context.Context, key string) (Info, error)
}

// Deleter 删除对象，对象不存在时不返回错误。
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// Store 组合了读写、查询与删除能力的完整存储接口。
type Store interface {
	Writer
	Reader
	Stater
	Deleter
}

// Location 描述已经写入对象的可访问信息。
type Location struct {
	Key  string
	Path string
	URL  string
}

// Info 描述对象当前状态。
type Info struct {
	Key  string
	Size int64
}

// ReadHead 读取对象开头最多 n 个字节，用于签名检测。
func ReadHead(ctx context.Context, r Reader, key string, n int) ([]byte, error) {
	rc, err := r.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(rc, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:read], nil
}

// ContextReader 在每次读取前检查 ctx，使长时间的拷贝可以被取消。
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
