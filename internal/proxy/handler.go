package proxy

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sfc/internal/cache"
	"github.com/any-hub/sfc/internal/logging"
	"github.com/any-hub/sfc/internal/publish"
	"github.com/any-hub/sfc/internal/rules"
	"github.com/any-hub/sfc/internal/server"
)

// Handler 处理快速路径未命中的请求：回源渲染、原样返回客户端，
// 再把渲染结果交给发布器决定是否落盘。
type Handler struct {
	fetcher   *Fetcher
	publisher *publish.Publisher
	logger    *logrus.Logger
}

// NewHandler constructs a capture proxy with shared fetcher/publisher/logger.
func NewHandler(fetcher *Fetcher, publisher *publish.Publisher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		fetcher:   fetcher,
		publisher: publisher,
		logger:    logger,
	}
}

// Handle 实现 server.ProxyHandler。发布失败只记录日志，客户端照常拿到源站响应。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	header := fiberHeadersAsHTTP(c)
	resp, err := h.fetcher.Fetch(ctx, route, OriginRequest{
		Method:     c.Method(),
		RequestURI: c.OriginalURL(),
		Host:       server.RequestHost(c),
		Header:     header,
		Body:       c.Body(),
		ClientIP:   c.IP(),
	})
	if err != nil {
		h.logResult(route, c.Path(), requestID, 0, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}

	copyResponseHeaders(c, resp.Header)
	c.Set(server.HeaderState, server.StateMiss)
	c.Status(resp.Status)
	if c.Method() != http.MethodHead {
		if err := c.Send(resp.Body); err != nil {
			return err
		}
	}
	h.logResult(route, c.Path(), requestID, resp.Status, started, nil)

	if h.publisher != nil {
		h.publish(ctx, route, PageFromResponse(route, c.Method(), resp, cookiesFrom(c)), requestID)
	}
	return nil
}

func (h *Handler) publish(ctx context.Context, route *server.SiteRoute, page publish.Page, requestID string) {
	result, err := h.publisher.Publish(ctx, page)
	fields := logging.EntryFields("publish", page.URL, cache.Hash(page.URL))
	fields["site"] = route.Config.Name
	fields["request_id"] = requestID
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Error("publish_failed")
		return
	}
	fields["status"] = string(result.Status)
	h.logger.WithFields(fields).Debug("page_published")
}

// PageFromResponse 把源站响应转换为待发布页面。规则上下文中的响应头保留渲染契约头，
// 前台代理与预热 worker 共用。
func PageFromResponse(route *server.SiteRoute, method string, resp *OriginResponse, cookies map[string]string) publish.Page {
	u, err := url.Parse(resp.URL)
	if err != nil {
		u = &url.URL{}
	}
	if cookies == nil {
		cookies = map[string]string{}
	}
	return publish.Page{
		URL:             resp.URL,
		Host:            u.Hostname(),
		PageID:          resp.PageID,
		Tags:            resp.Tags,
		Timeout:         resp.Timeout,
		DefaultLifetime: route.Lifetime,
		Body:            resp.Body,
		Rule: &rules.Context{
			Method:  method,
			URL:     u,
			Cookies: cookies,
			Status:  resp.Status,
			Header:  resp.Header,
			Body:    resp.Body,
		},
	}
}

func cookiesFrom(c fiber.Ctx) map[string]string {
	cookies := make(map[string]string)
	c.Request().Header.VisitAllCookie(func(key, value []byte) {
		cookies[string(key)] = string(value)
	})
	return cookies
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 过滤逐跳头与渲染契约头后写入客户端响应。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	filtered := http.Header{}
	server.CopyHeaders(filtered, headers)
	filtered.Del("Content-Length")
	for key, values := range filtered {
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func (h *Handler) logResult(route *server.SiteRoute, path, requestID string, status int, started time.Time, err error) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, path, false)
	fields["action"] = "proxy"
	fields["origin"] = route.OriginURL.String()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
