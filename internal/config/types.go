package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// HtaccessMode 控制访问描述文件中过期时间的计算基准。
type HtaccessMode string

const (
	// HtaccessModeAbsolute 以访问时间为基准（Apache 的 A 前缀）。
	HtaccessModeAbsolute HtaccessMode = "absolute"
	// HtaccessModeModification 以文件修改时间为基准（Apache 的 M 前缀）。
	HtaccessModeModification HtaccessMode = "modification"
)

// DefaultCompressionLevel 是 gzip 变体的默认压缩级别。
const DefaultCompressionLevel = 7

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	IndexPath         string   `mapstructure:"IndexPath"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	DefaultLifetime   Duration `mapstructure:"DefaultLifetime"`
	MaximumLifetime   Duration `mapstructure:"MaximumLifetime"`
	GCInterval        Duration `mapstructure:"GCInterval"`
	WorkerInterval    Duration `mapstructure:"WorkerInterval"`
	WorkerConcurrency int      `mapstructure:"WorkerConcurrency"`
	QueueClaimTimeout Duration `mapstructure:"QueueClaimTimeout"`
	AdminToken        string   `mapstructure:"AdminToken"`
}

// CacheConfig 对应静态文件缓存本身的开关与输出格式。
type CacheConfig struct {
	BoostMode                   bool         `mapstructure:"BoostMode"`
	ClearCacheForAllDomains     bool         `mapstructure:"ClearCacheForAllDomains"`
	EnableStaticFileCompression bool         `mapstructure:"EnableStaticFileCompression"`
	CompressionLevel            int          `mapstructure:"CompressionLevel"`
	FileTypes                   []string     `mapstructure:"FileTypes"`
	SendCacheControlHeader      bool         `mapstructure:"SendCacheControlHeader"`
	HtaccessTimeout             Duration     `mapstructure:"HtaccessTimeout"`
	HtaccessMode                HtaccessMode `mapstructure:"HtaccessMode"`
	HtaccessRedirectAfterExpiry bool         `mapstructure:"HtaccessRedirectAfterExpiry"`
	Strftime                    string       `mapstructure:"Strftime"`
	ShowGenerationSignature     bool         `mapstructure:"ShowGenerationSignature"`
	Disabled                    bool         `mapstructure:"Disabled"`
	BackendCookieName           string       `mapstructure:"BackendCookieName"`
}

// SiteConfig 描述一个被缓存的站点：对外域名与其背后的 CMS 源站。
type SiteConfig struct {
	Name            string   `mapstructure:"Name"`
	Domain          string   `mapstructure:"Domain"`
	Origin          string   `mapstructure:"Origin"`
	Scheme          string   `mapstructure:"Scheme"`
	DefaultLifetime Duration `mapstructure:"DefaultLifetime"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// EffectiveLifetime 返回站点生效的默认缓存时长，未覆盖时回退至全局值。
func (c *Config) EffectiveLifetime(s SiteConfig) time.Duration {
	if s.DefaultLifetime.DurationValue() > 0 {
		return s.DefaultLifetime.DurationValue()
	}
	return c.Global.DefaultLifetime.DurationValue()
}

// EffectiveCompressionLevel 将越界的压缩级别回退为默认值 7。
func (c CacheConfig) EffectiveCompressionLevel() int {
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return DefaultCompressionLevel
	}
	return c.CompressionLevel
}

// SiteNames 返回所有站点的 name:domain 摘要，供启动日志使用。
func SiteNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Domain)
	}
	return result
}
