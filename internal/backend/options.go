package backend

import (
	"strings"
	"time"

	"github.com/any-hub/sfc/internal/cache"
	"github.com/any-hub/sfc/internal/config"
)

// ExplanationTag 标记“未静态缓存原因”记录，此类记录不会作为内容返回。
const ExplanationTag = "explanation"

// Options 是后端的不可变配置快照。
type Options struct {
	BoostMode               bool
	ClearCacheForAllDomains bool
	Compress                bool
	CompressionLevel        int
	DefaultLifetime         time.Duration
	MaximumLifetime         time.Duration
	HtaccessTimeout         time.Duration
	HtaccessMode            cache.ExpiryMode
	SendCacheControl        bool
	RedirectAfterExpiry     bool
}

// OptionsFromConfig 从加载后的配置提取后端选项。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BoostMode:               cfg.Cache.BoostMode,
		ClearCacheForAllDomains: cfg.Cache.ClearCacheForAllDomains,
		Compress:                cfg.Cache.EnableStaticFileCompression,
		CompressionLevel:        cfg.Cache.EffectiveCompressionLevel(),
		DefaultLifetime:         cfg.Global.DefaultLifetime.DurationValue(),
		MaximumLifetime:         cfg.Global.MaximumLifetime.DurationValue(),
		HtaccessTimeout:         cfg.Cache.HtaccessTimeout.DurationValue(),
		HtaccessMode:            cache.ExpiryMode(cfg.Cache.HtaccessMode),
		SendCacheControl:        cfg.Cache.SendCacheControlHeader,
		RedirectAfterExpiry:     cfg.Cache.HtaccessRedirectAfterExpiry,
	}
}

// DomainTag 返回域名维度的失效标签，域名中的点替换为下划线。
func DomainTag(host string) string {
	return "sfc_domain_" + strings.ReplaceAll(strings.ToLower(host), ".", "_")
}

// PageTag 返回页面维度的失效标签。
func PageTag(pageID string) string {
	return "sfc_pageId_" + pageID
}
