package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// cacheOnlyKeys 只能出现在 [Cache] 中，站点级别配置会被拒绝。
var cacheOnlyKeys = []string{"BoostMode", "ClearCacheForAllDomains", "EnableStaticFileCompression", "FileTypes"}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectSiteLevelCacheOptions(v); err != nil {
		return nil, err
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	absIndex, err := filepath.Abs(cfg.Global.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析索引路径: %w", err)
	}
	cfg.Global.IndexPath = absIndex

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage/static")
	v.SetDefault("IndexPath", "./storage/index.db")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("DefaultLifetime", 86400)
	v.SetDefault("MaximumLifetime", 604800)
	v.SetDefault("GCInterval", "5m")
	v.SetDefault("WorkerInterval", "0s")
	v.SetDefault("WorkerConcurrency", 4)
	v.SetDefault("QueueClaimTimeout", "10m")

	v.SetDefault("Cache.EnableStaticFileCompression", true)
	v.SetDefault("Cache.CompressionLevel", DefaultCompressionLevel)
	v.SetDefault("Cache.FileTypes", []string{"xml", "rss", "json"})
	v.SetDefault("Cache.SendCacheControlHeader", true)
	v.SetDefault("Cache.HtaccessMode", string(HtaccessModeAbsolute))
	v.SetDefault("Cache.Strftime", "%d-%m-%y %H:%M")
	v.SetDefault("Cache.BackendCookieName", "be_typo_user")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.DefaultLifetime.DurationValue() == 0 {
		g.DefaultLifetime = Duration(24 * time.Hour)
	}
	if g.MaximumLifetime.DurationValue() == 0 {
		g.MaximumLifetime = Duration(7 * 24 * time.Hour)
	}
	if g.WorkerConcurrency <= 0 {
		g.WorkerConcurrency = 1
	}
	if g.QueueClaimTimeout.DurationValue() == 0 {
		g.QueueClaimTimeout = Duration(10 * time.Minute)
	}
}

func applyCacheDefaults(c *CacheConfig) {
	c.CompressionLevel = c.EffectiveCompressionLevel()
	mode := HtaccessMode(strings.ToLower(strings.TrimSpace(string(c.HtaccessMode))))
	if mode == "" {
		mode = HtaccessModeAbsolute
	}
	c.HtaccessMode = mode

	types := make([]string, 0, len(c.FileTypes))
	for _, ext := range c.FileTypes {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			types = append(types, ext)
		}
	}
	c.FileTypes = types
}

func applySiteDefaults(s *SiteConfig) {
	if s.DefaultLifetime.DurationValue() < 0 {
		s.DefaultLifetime = Duration(0)
	}
	scheme := strings.ToLower(strings.TrimSpace(s.Scheme))
	if scheme == "" {
		scheme = "http"
	}
	s.Scheme = scheme
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func rejectSiteLevelCacheOptions(v *viper.Viper) error {
	raw := v.Get("Site")
	sites, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range sites {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		name := fmt.Sprintf("#%d", idx)
		for key, value := range m {
			if rawName, ok := value.(string); ok && rawName != "" && strings.EqualFold(key, "Name") {
				name = rawName
			}
		}
		// viper 可能已将键名转为小写，这里按大小写不敏感比较。
		for key := range m {
			for _, forbidden := range cacheOnlyKeys {
				if strings.EqualFold(key, forbidden) {
					return newFieldError(siteField(name, forbidden), "仅支持在 [Cache] 中配置")
				}
			}
		}
	}

	return nil
}
