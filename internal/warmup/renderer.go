package warmup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/any-hub/sfc/internal/proxy"
	"github.com/any-hub/sfc/internal/publish"
	"github.com/any-hub/sfc/internal/server"
	"github.com/any-hub/sfc/internal/version"
)

// ErrUnknownSite 表示 URL 的域名没有对应的站点配置。
var ErrUnknownSite = errors.New("no site configured for url")

// ErrOriginUnavailable 表示源站返回 5xx，队列项需要稍后重试。
var ErrOriginUnavailable = errors.New("origin unavailable")

// Renderer 重新渲染一个 URL，返回待发布的页面。
type Renderer interface {
	Render(ctx context.Context, rawURL string) (publish.Page, error)
}

// OriginRenderer 直接请求站点源站，不经过前台快速路径，避免拿回旧的静态文件。
type OriginRenderer struct {
	registry *server.SiteRegistry
	fetcher  *proxy.Fetcher
}

// NewOriginRenderer 构建基于源站的 Renderer。
func NewOriginRenderer(registry *server.SiteRegistry, fetcher *proxy.Fetcher) *OriginRenderer {
	return &OriginRenderer{registry: registry, fetcher: fetcher}
}

// Render 以匿名访客身份 GET 页面。
func (r *OriginRenderer) Render(ctx context.Context, rawURL string) (publish.Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return publish.Page{}, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	route, ok := r.registry.Lookup(u.Host)
	if !ok {
		return publish.Page{}, fmt.Errorf("%w: %s", ErrUnknownSite, u.Host)
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	resp, err := r.fetcher.Fetch(ctx, route, proxy.OriginRequest{
		Method:     http.MethodGet,
		RequestURI: u.RequestURI(),
		Host:       u.Host,
		Header:     header,
	})
	if err != nil {
		return publish.Page{}, err
	}
	if resp.Status >= http.StatusInternalServerError {
		return publish.Page{}, fmt.Errorf("%w: %s returned %d", ErrOriginUnavailable, rawURL, resp.Status)
	}
	return proxy.PageFromResponse(route, http.MethodGet, resp, nil), nil
}
