package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/sfc/internal/server"
)

// maxCaptureSize 限制单次捕获的响应体大小，超过的响应直接按错误处理。
const maxCaptureSize = 64 << 20

// OriginRequest 描述一次回源：RequestURI 保持客户端原样，Host 为对外域名。
type OriginRequest struct {
	Method     string
	RequestURI string
	Host       string
	Header     http.Header
	Body       []byte
	ClientIP   string
}

// OriginResponse 是源站的完整渲染结果，渲染契约头已解析到独立字段。
type OriginResponse struct {
	Status  int
	Header  http.Header
	Body    []byte
	Tags    []string
	Timeout time.Duration
	PageID  string
	URL     string
}

// Fetcher 负责访问 CMS 源站，前台代理与预热 worker 共用。
type Fetcher struct {
	client *http.Client
}

// NewFetcher 使用共享 http.Client 构建 Fetcher。
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client}
}

// Fetch 请求源站并读取完整响应体。Accept-Encoding 被移除，确保捕获到的是明文。
func (f *Fetcher) Fetch(ctx context.Context, route *server.SiteRoute, in OriginRequest) (*OriginResponse, error) {
	target, err := resolveOriginURL(route.OriginURL, in.RequestURI)
	if err != nil {
		return nil, err
	}
	method := in.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(in.Body) > 0 {
		body = bytes.NewReader(in.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(req.Header, in.Header)
	req.Header.Del("Accept-Encoding")

	host := in.Host
	if host == "" {
		host = route.Config.Domain
	}
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", host)
	req.Header.Set("X-Forwarded-Proto", route.Scheme())
	if in.ClientIP != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+in.ClientIP)
		} else {
			req.Header.Set("X-Forwarded-For", in.ClientIP)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxCaptureSize+1))
	if err != nil {
		return nil, fmt.Errorf("read origin body: %w", err)
	}
	if len(payload) > maxCaptureSize {
		return nil, fmt.Errorf("origin body exceeds %d bytes", maxCaptureSize)
	}

	return &OriginResponse{
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Body:    payload,
		Tags:    parseTags(resp.Header.Values(server.HeaderTags)),
		Timeout: parseTimeout(resp.Header.Get(server.HeaderTimeout)),
		PageID:  strings.TrimSpace(resp.Header.Get(server.HeaderPageID)),
		URL:     route.PublicURL(host, in.RequestURI),
	}, nil
}

// resolveOriginURL 将客户端的 RequestURI 拼到源站地址上，保留源站的路径前缀。
func resolveOriginURL(base *url.URL, requestURI string) (*url.URL, error) {
	if requestURI == "" || requestURI[0] != '/' {
		requestURI = "/" + requestURI
	}
	ref, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return nil, fmt.Errorf("invalid request URI %q: %w", requestURI, err)
	}
	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + ref.Path
	target.RawPath = ""
	if ref.RawPath != "" {
		target.RawPath = strings.TrimSuffix(base.EscapedPath(), "/") + ref.RawPath
	}
	target.RawQuery = ref.RawQuery
	return &target, nil
}

func parseTags(values []string) []string {
	var tags []string
	for _, value := range values {
		for _, tag := range strings.Split(value, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

// parseTimeout 接受秒数或 Go duration 写法，非法值视为未设置。
func parseTimeout(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return 0
}
