package server

import (
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sfc/internal/cache"
	"github.com/any-hub/sfc/internal/logging"
)

// StateHit 与 StateMiss 是 X-SFC-State 响应头的取值。
const (
	StateHit  = "hit"
	StateMiss = "miss"
)

const (
	frontendLoginCookie      = "staticfilecache"
	frontendLoginCookieValue = "fe_typo_user_logged_in"
)

// FastPath 直接从缓存根目录返回静态文件，完全不经过源站。
// 命中条件与 Web 服务器重写规则保持一致：GET、无查询参数、
// 无后台/前台登录 cookie、且目标文件存在。
type FastPath struct {
	store         cache.Store
	mapper        *cache.Mapper
	backendCookie string
	logger        *logrus.Entry
}

// NewFastPath 构建快速路径，backendCookie 为空时不检查后台登录。
func NewFastPath(store cache.Store, mapper *cache.Mapper, backendCookie string, logger *logrus.Logger) (*FastPath, error) {
	if store == nil || mapper == nil {
		return nil, errors.New("fast path requires store and mapper")
	}
	return &FastPath{
		store:         store,
		mapper:        mapper,
		backendCookie: backendCookie,
		logger:        logging.Component(logger, "fastpath"),
	}, nil
}

// Serve 在命中时写出响应并返回 true；未命中时不触碰响应，交给代理处理。
func (f *FastPath) Serve(c fiber.Ctx, route *SiteRoute) (bool, error) {
	if c.Method() != http.MethodGet || len(c.Request().URI().QueryString()) > 0 {
		return false, nil
	}
	if f.backendCookie != "" && hasCookie(c, f.backendCookie) {
		return false, nil
	}
	if c.Cookies(frontendLoginCookie) == frontendLoginCookieValue {
		return false, nil
	}

	publicURL := route.PublicURL(RequestHost(c), c.OriginalURL())
	path, err := f.mapper.Map(publicURL)
	if err != nil || !f.store.Exists(path) || !f.insideRoot(path) {
		return false, nil
	}

	servePath := path
	gzipped := false
	if acceptsGzip(c.Get(fiber.HeaderAcceptEncoding)) && f.store.Exists(path+cache.GzipSuffix) {
		servePath = path + cache.GzipSuffix
		gzipped = true
	}
	body, err := f.store.Read(servePath)
	if err != nil {
		// 文件在检查与读取之间被删除，按未命中处理
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	c.Set(fiber.HeaderContentType, contentTypeFor(path))
	c.Set(fiber.HeaderVary, fiber.HeaderAcceptEncoding)
	if gzipped {
		c.Set(fiber.HeaderContentEncoding, "gzip")
	}
	c.Set(HeaderState, StateHit)

	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, c.Path(), true)
	fields["action"] = "fastpath_hit"
	fields["gzip"] = gzipped
	fields["request_id"] = RequestID(c)
	f.logger.WithFields(fields).Debug("served static file")

	return true, c.Status(fiber.StatusOK).Send(body)
}

// insideRoot 解析符号链接后再确认文件仍位于缓存根目录内。
func (f *FastPath) insideRoot(path string) bool {
	root, err := filepath.EvalSymlinks(f.mapper.Root())
	if err != nil {
		return false
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(resolved, root+string(filepath.Separator))
}

// hasCookie 只判断 cookie 是否出现，空值同样视为已登录。
func hasCookie(c fiber.Ctx, name string) bool {
	found := false
	c.Request().Header.VisitAllCookie(func(key, _ []byte) {
		if string(key) == name {
			found = true
		}
	})
	return found
}

// acceptsGzip 解析 Accept-Encoding，q 值为 0（含 0.0、0.000 等写法）视为拒绝。
func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		for _, param := range strings.Split(params, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "q") {
				continue
			}
			q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil || q <= 0 {
				return false
			}
		}
		return true
	}
	return false
}

func contentTypeFor(path string) string {
	if filepath.Base(path) == cache.IndexDocument {
		return "text/html; charset=utf-8"
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return fiber.MIMEOctetStream
}
