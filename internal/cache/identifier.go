package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// IndexDocument 是无扩展名路径的落盘文件名。
const IndexDocument = "index.html"

// ErrNotApplicable 表示 URL 无法映射为缓存文件，调用方应跳过文件操作。
var ErrNotApplicable = errors.New("identifier not applicable for static file cache")

// Hash 返回条目标识（URL）的 SHA-1 十六进制摘要，作为索引主键。
func Hash(identifier string) string {
	sum := sha1.Sum([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// Mapper 将规范化 URL 映射到缓存根目录下的文件路径，是纯函数。
type Mapper struct {
	root      string
	fileTypes map[string]struct{}
}

// NewMapper 以 root 为缓存根目录构建 Mapper，fileTypes 为允许直接落盘的扩展名。
func NewMapper(root string, fileTypes []string) (*Mapper, error) {
	if root == "" {
		return nil, errors.New("cache root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(fileTypes))
	for _, ext := range fileTypes {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			allowed[ext] = struct{}{}
		}
	}
	return &Mapper{root: filepath.Clean(abs), fileTypes: allowed}, nil
}

// Root 返回缓存根目录的绝对路径。
func (m *Mapper) Root() string {
	return m.root
}

// Map 计算 URL 对应的缓存文件路径；无法解析 scheme/host 或带查询参数时返回 ErrNotApplicable。
// 查询参数无法体现在文件名上，若照常映射会与不带参数的 URL 共用同一文件。
func (m *Mapper) Map(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", ErrNotApplicable
	}
	if u.RawQuery != "" || u.ForceQuery {
		return "", ErrNotApplicable
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrNotApplicable
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if !validHostSegment(host) {
		return "", ErrNotApplicable
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(scheme)
	}

	rel := strings.Trim(path.Clean("/"+u.Path), "/")
	if rel == "" || !m.allowedExtension(path.Ext(rel)) {
		rel = path.Join(rel, IndexDocument)
	}

	filePath := filepath.Join(m.root, scheme, host, port, filepath.FromSlash(rel))
	if !m.Contains(filePath) {
		return "", ErrNotApplicable
	}
	return filePath, nil
}

// Contains 判断 path 是否位于缓存根目录之内。
func (m *Mapper) Contains(p string) bool {
	cleaned := filepath.Clean(p)
	return strings.HasPrefix(cleaned, m.root+string(filepath.Separator))
}

// SchemeDirs 返回全量 flush 时需要整体移走的协议目录。
func (m *Mapper) SchemeDirs() []string {
	return []string{
		filepath.Join(m.root, "https"),
		filepath.Join(m.root, "http"),
	}
}

func (m *Mapper) allowedExtension(ext string) bool {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		return false
	}
	_, ok := m.fileTypes[ext]
	return ok
}

func validHostSegment(host string) bool {
	if host == "" || host == "." || host == ".." {
		return false
	}
	return !strings.ContainsAny(host, "/\\\x00")
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
