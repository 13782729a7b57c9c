package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/sfc/internal/config"
)

// SiteRoute 将站点配置与派生属性（生效时长、解析后的源站 URL）聚合在一起，
// 供快速路径、代理与预热 worker 直接复用。
type SiteRoute struct {
	// Config 是 config.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，用于日志输出。
	ListenPort int
	// Lifetime 是站点默认缓存时长，未覆盖时等于全局值。
	Lifetime time.Duration
	// OriginURL 在构造 Registry 时提前解析完成。
	OriginURL *url.URL
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建域名映射，启动时创建一次并复用。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		host, _ := normalizeHost(site.Domain)
		if host == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[host]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", host)
		}

		origin, err := url.Parse(site.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin for site %s: %w", site.Name, err)
		}

		route := &SiteRoute{
			Config:     site,
			ListenPort: cfg.Global.ListenPort,
			Lifetime:   cfg.EffectiveLifetime(site),
			OriginURL:  origin,
		}
		registry.routes[host] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找站点，端口不参与匹配。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return nil, false
	}

	route, ok := r.routes[normalized]
	return route, ok
}

// List 返回按配置顺序排列的站点列表，用于 /-/status 输出。
func (r *SiteRegistry) List() []SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]SiteRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

// Scheme 返回站点对外协议，缺省为 http。
func (s *SiteRoute) Scheme() string {
	if s.Config.Scheme == "" {
		return "http"
	}
	return s.Config.Scheme
}

// PublicURL 拼出对外 URL（缓存标识），默认端口会被省略。
func (s *SiteRoute) PublicURL(host, requestURI string) string {
	hostname, port := normalizeHost(host)
	if hostname == "" {
		hostname, _ = normalizeHost(s.Config.Domain)
	}
	scheme := s.Scheme()
	authority := hostname
	if port > 0 && !isDefaultPort(scheme, port) {
		authority = net.JoinHostPort(hostname, strconv.Itoa(port))
	}
	if requestURI == "" || requestURI[0] != '/' {
		requestURI = "/" + requestURI
	}
	return scheme + "://" + authority + requestURI
}

// Hostname 返回规范化后的主机名（不含端口）。
func Hostname(host string) string {
	hostname, _ := normalizeHost(host)
	return hostname
}

func isDefaultPort(scheme string, port int) bool {
	return (scheme == "http" && port == 80) || (scheme == "https" && port == 443)
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
