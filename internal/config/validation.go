package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.IndexPath == "" {
		return newFieldError("Global.IndexPath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.DefaultLifetime.DurationValue() <= 0 {
		return newFieldError("Global.DefaultLifetime", "必须大于 0")
	}
	if g.MaximumLifetime.DurationValue() < g.DefaultLifetime.DurationValue() {
		return newFieldError("Global.MaximumLifetime", "不能小于 DefaultLifetime")
	}
	if g.GCInterval.DurationValue() < 0 {
		return newFieldError("Global.GCInterval", "不能为负数")
	}
	if g.WorkerInterval.DurationValue() < 0 {
		return newFieldError("Global.WorkerInterval", "不能为负数")
	}
	if g.WorkerConcurrency <= 0 {
		return newFieldError("Global.WorkerConcurrency", "必须大于 0")
	}

	cache := c.Cache
	switch cache.HtaccessMode {
	case HtaccessModeAbsolute, HtaccessModeModification:
	default:
		return newFieldError("Cache.HtaccessMode", "仅支持 absolute/modification")
	}
	if cache.HtaccessTimeout.DurationValue() < 0 {
		return newFieldError("Cache.HtaccessTimeout", "不能为负数")
	}
	for _, ext := range cache.FileTypes {
		if strings.ContainsAny(ext, "/\\ ") {
			return newFieldError("Cache.FileTypes", fmt.Sprintf("非法扩展名: %s", ext))
		}
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if _, exists := seenDomains[site.Domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "重复")
		}
		seenDomains[site.Domain] = struct{}{}

		if site.Scheme != "http" && site.Scheme != "https" {
			return newFieldError(siteField(site.Name, "Scheme"), "仅支持 http/https")
		}
		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if site.DefaultLifetime.DurationValue() > g.MaximumLifetime.DurationValue() {
			return newFieldError(siteField(site.Name, "DefaultLifetime"), "不能超过 MaximumLifetime")
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") && strings.Contains(domain, ":") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
