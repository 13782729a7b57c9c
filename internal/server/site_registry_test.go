package server

import (
	"testing"
	"time"

	"github.com/any-hub/sfc/internal/config"
)

func TestSiteRegistryLookupByHost(t *testing.T) {
	cfg := testRegistryConfig()
	registry, err := NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("www.example.com")
	if !ok {
		t.Fatalf("expected main route")
	}
	if route.Config.Name != "main" {
		t.Errorf("wrong site returned: %s", route.Config.Name)
	}
	if route.Lifetime != time.Hour {
		t.Errorf("expected global lifetime, got %s", route.Lifetime)
	}
	if route.OriginURL.String() != "http://127.0.0.1:9000" {
		t.Errorf("unexpected origin URL: %s", route.OriginURL)
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}

	blog, _ := registry.Lookup("BLOG.example.com.")
	if blog == nil || blog.Lifetime != 10*time.Minute {
		t.Fatalf("expected blog route with site lifetime, got %+v", blog)
	}
	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
}

func TestSiteRegistryParsesHostHeaderPort(t *testing.T) {
	registry, err := NewSiteRegistry(testRegistryConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.Lookup("www.example.com:6000"); !ok {
		t.Fatalf("expected lookup to ignore host header port")
	}
	if _, ok := registry.Lookup("unknown.example.com"); ok {
		t.Fatalf("unknown host must not resolve")
	}
}

func TestSiteRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.Sites[1].Domain = "WWW.example.com"
	if _, err := NewSiteRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestSiteRoutePublicURL(t *testing.T) {
	registry, _ := NewSiteRegistry(testRegistryConfig())
	route, _ := registry.Lookup("www.example.com")

	testCases := []struct {
		host, uri, want string
	}{
		{"www.example.com", "/news/", "https://www.example.com/news/"},
		{"WWW.Example.com:443", "/", "https://www.example.com/"},
		{"www.example.com:8443", "/a", "https://www.example.com:8443/a"},
		{"", "b", "https://www.example.com/b"},
	}
	for _, tc := range testCases {
		if got := route.PublicURL(tc.host, tc.uri); got != tc.want {
			t.Fatalf("PublicURL(%q, %q) = %s, want %s", tc.host, tc.uri, got, tc.want)
		}
	}
}

func testRegistryConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			DefaultLifetime: config.Duration(time.Hour),
		},
		Sites: []config.SiteConfig{
			{
				Name:   "main",
				Domain: "www.example.com",
				Origin: "http://127.0.0.1:9000",
				Scheme: "https",
			},
			{
				Name:            "blog",
				Domain:          "blog.example.com",
				Origin:          "http://127.0.0.1:9001",
				DefaultLifetime: config.Duration(10 * time.Minute),
			},
		},
	}
}
