package rules

import (
	"mime"
	"net/http"
	"strings"

	"github.com/any-hub/sfc/internal/config"
)

// FrontendLoginCookie 是前台登录后由 CMS 写入的标记 cookie。
const (
	FrontendLoginCookie      = "staticfilecache"
	FrontendLoginCookieValue = "fe_typo_user_logged_in"
)

// NoCacheHeader 允许源站显式声明本次渲染不可静态缓存。
const NoCacheHeader = "X-SFC-No-Cache"

// ForceCacheHeader 允许源站要求忽略此前的不缓存原因，强制落盘。
const ForceCacheHeader = "X-SFC-Force-Cache"

// IntScriptsMarker 是页面中仍需动态渲染片段的占位标记。
const IntScriptsMarker = "<!--INT_SCRIPT."

// Default 返回默认规则链，顺序即执行顺序。
func Default(cfg config.CacheConfig) Chain {
	return NewChain(
		Enabled{Disabled: cfg.Disabled},
		ValidRequestMethod{},
		NoBackendUser{CookieName: cfg.BackendCookieName},
		NoFrontendUser{},
		ValidURI{},
		SuccessfulResponse{},
		CacheableContentType{},
		NoNoCache{},
		NoSetCookie{},
		NoIntScripts{},
		ForceStaticCache{},
	)
}

// Enabled 在全局关闭静态缓存时跳过处理。
type Enabled struct {
	Disabled bool
}

func (Enabled) Name() string { return "Enable" }

func (r Enabled) Evaluate(*Context) Decision {
	if r.Disabled {
		return SkipProcessing("static cache disabled")
	}
	return Pass
}

// ValidRequestMethod 只允许 GET 写入缓存，其他方法不留记录。
type ValidRequestMethod struct{}

func (ValidRequestMethod) Name() string { return "ValidRequestMethod" }

func (ValidRequestMethod) Evaluate(ctx *Context) Decision {
	if ctx.Method != http.MethodGet {
		return SkipProcessing("request method " + ctx.Method + " is not GET")
	}
	return Pass
}

// NoBackendUser 在后台用户登录时跳过，避免把预览内容落盘。
type NoBackendUser struct {
	CookieName string
}

func (NoBackendUser) Name() string { return "NoBackendUser" }

func (r NoBackendUser) Evaluate(ctx *Context) Decision {
	if r.CookieName == "" {
		return Pass
	}
	if _, ok := ctx.Cookies[r.CookieName]; ok {
		return SkipProcessing("backend user is logged in")
	}
	return Pass
}

// NoFrontendUser 记录前台登录用户的请求不可缓存。
type NoFrontendUser struct{}

func (NoFrontendUser) Name() string { return "NoUserOrGroupSet" }

func (NoFrontendUser) Evaluate(ctx *Context) Decision {
	if ctx.Cookies[FrontendLoginCookie] == FrontendLoginCookieValue {
		return Explain("frontend user is logged in")
	}
	return Pass
}

// ValidURI 拒绝带查询参数、index.php 或包含空路径段的 URL。
type ValidURI struct{}

func (ValidURI) Name() string { return "ValidUri" }

func (ValidURI) Evaluate(ctx *Context) Decision {
	if ctx.URL == nil {
		return Explain("missing request URL")
	}
	switch {
	case ctx.URL.RawQuery != "" || ctx.URL.ForceQuery:
		return Explain("the URI has query parameters")
	case strings.Contains(ctx.URL.Path, "index.php"):
		return Explain("the URI contains index.php")
	case strings.Contains(ctx.URL.Path, "//"):
		return Explain("the URI contains an empty path segment")
	}
	return Pass
}

// SuccessfulResponse 只缓存 200 响应。
type SuccessfulResponse struct{}

func (SuccessfulResponse) Name() string { return "PageCacheable" }

func (SuccessfulResponse) Evaluate(ctx *Context) Decision {
	if ctx.Status != http.StatusOK {
		return Explain("response status " + http.StatusText(ctx.Status))
	}
	return Pass
}

// CacheableContentType 只缓存文本类文档。
type CacheableContentType struct{}

func (CacheableContentType) Name() string { return "ValidDoktype" }

func (CacheableContentType) Evaluate(ctx *Context) Decision {
	raw := ctx.Header.Get("Content-Type")
	if raw == "" {
		return Pass
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return Explain("unparsable content type")
	}
	switch {
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/xml",
		mediaType == "application/rss+xml",
		mediaType == "application/json",
		strings.HasSuffix(mediaType, "+xml"):
		return Pass
	}
	return Explain("content type " + mediaType + " is not cacheable")
}

// NoNoCache 尊重源站的 no-cache/no-store 与显式不缓存标记。
type NoNoCache struct{}

func (NoNoCache) Name() string { return "NoNoCache" }

func (NoNoCache) Evaluate(ctx *Context) Decision {
	if ctx.Header.Get(NoCacheHeader) != "" {
		return Explain("origin marked the page as no_cache")
	}
	for _, directive := range strings.Split(strings.ToLower(ctx.Header.Get("Cache-Control")), ",") {
		switch strings.TrimSpace(directive) {
		case "no-cache", "no-store", "private":
			return Explain("Cache-Control forbids caching")
		}
	}
	return Pass
}

// NoSetCookie 不缓存会话相关的响应。
type NoSetCookie struct{}

func (NoSetCookie) Name() string { return "NoSetCookie" }

func (NoSetCookie) Evaluate(ctx *Context) Decision {
	if len(ctx.Header.Values("Set-Cookie")) > 0 {
		return Explain("response sets a cookie")
	}
	return Pass
}

// NoIntScripts 不缓存仍包含动态片段占位的页面。
type NoIntScripts struct{}

func (NoIntScripts) Name() string { return "NoIntScripts" }

func (NoIntScripts) Evaluate(ctx *Context) Decision {
	if strings.Contains(string(ctx.Body), IntScriptsMarker) {
		return Explain("the page contains uncached INT scripts")
	}
	return Pass
}

// ForceStaticCache 在源站带上强制缓存头时清空 explanation。放在链尾，
// 只影响前面规则给出的原因；Skip 类判定（非 GET、后台用户、全局关闭）仍然生效。
type ForceStaticCache struct{}

func (ForceStaticCache) Name() string { return "ForceStaticCache" }

func (ForceStaticCache) Evaluate(ctx *Context) Decision {
	switch strings.ToLower(strings.TrimSpace(ctx.Header.Get(ForceCacheHeader))) {
	case "", "0", "false", "off":
		return Pass
	}
	return ForceCaching()
}
