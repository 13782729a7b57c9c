package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/sfc/internal/config"
)

// 源站渲染契约头：源站通过它们告知缓存标签、时长与页面 ID，转发给客户端前会被剥离。
const (
	HeaderTags    = "X-SFC-Tags"
	HeaderTimeout = "X-SFC-Timeout"
	HeaderPageID  = "X-SFC-Page-Id"
	HeaderNoCache = "X-SFC-No-Cache"
	HeaderState   = "X-SFC-State"
)

// Shared HTTP transport tunings，复用到源站的长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewOriginClient 返回访问 CMS 源站的共享 http.Client。
// 重定向不在代理内跟随，原样返回给客户端，由浏览器自行处理。
func NewOriginClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，忽略 hop-by-hop 字段、
// Connection 中声明的字段以及源站渲染契约头。
func CopyHeaders(dst, src http.Header) {
	connectionScoped := connectionTokens(src)
	for key, values := range src {
		if IsHopByHopHeader(key) || IsRenderHeader(key) {
			continue
		}
		if _, ok := connectionScoped[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// IsRenderHeader 判断是否为源站与缓存之间的内部契约头。
func IsRenderHeader(key string) bool {
	return strings.HasPrefix(textproto.CanonicalMIMEHeaderKey(key), "X-Sfc-")
}

func connectionTokens(h http.Header) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}
