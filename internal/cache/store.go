package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store 负责管理静态缓存文件的读写。磁盘布局遵循：
//
//	<root>/<scheme>/<host>/<port>/<path>[/index.html]      # 正文
//	<root>/<scheme>/<host>/<port>/<path>[/index.html].gz   # 可选 gzip 变体
//	<dir>/.htaccess                                         # 目录级访问控制描述
//
// 三类文件总是一起写入、一起删除。
type Store interface {
	// Write 写入正文（临时文件 + rename），按需写入 gzip 变体与访问控制描述。
	// 正文写入失败返回错误；gzip 失败静默跳过。
	Write(ctx context.Context, path string, body []byte, opts WriteOptions) error

	// Remove 删除正文、gzip 变体与目录描述文件。文件本就不存在不算失败，
	// 其余任何删除失败都会以 *RemoveError 返回。
	Remove(ctx context.Context, path string) error

	// Exists 只做文件存在性检查，目录不算存在。
	Exists(path string) bool

	// Read 返回正文内容，不存在时返回 ErrNotFound。
	Read(path string) ([]byte, error)

	// SoftRemove 将目录原子地改名移走，稍后由 RemoveDirs 递归删除。
	SoftRemove(dir string) error

	// RemoveDirs 删除所有通过 SoftRemove 移走的目录。
	RemoveDirs() error
}

// WriteOptions 控制一次写入是否产出 gzip 变体以及描述文件内容。
type WriteOptions struct {
	Compress         bool
	CompressionLevel int
	AccessControl    *AccessControl
}

// DescriptorName 是目录级访问控制描述文件名。
const DescriptorName = ".htaccess"

// GzipSuffix 是压缩变体的文件后缀。
const GzipSuffix = ".gz"

// ErrNotFound 表示缓存文件不存在。
var ErrNotFound = errors.New("static file not found")

// RemoveError 汇总删除失败的文件，存在该错误时调用方不得认为条目已被清理。
type RemoveError struct {
	Files []string
	Errs  []error
}

func (e *RemoveError) Error() string {
	parts := make([]string, len(e.Files))
	for i, file := range e.Files {
		parts[i] = fmt.Sprintf("%s: %v", file, e.Errs[i])
	}
	return "remove static files: " + strings.Join(parts, "; ")
}

// Unwrap 便于 errors.Is 判断底层原因（例如权限错误）。
func (e *RemoveError) Unwrap() []error {
	return e.Errs
}
