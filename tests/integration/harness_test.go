package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/sfc/internal/backend"
	"github.com/any-hub/sfc/internal/cache"
	"github.com/any-hub/sfc/internal/config"
	"github.com/any-hub/sfc/internal/database"
	"github.com/any-hub/sfc/internal/index"
	"github.com/any-hub/sfc/internal/logging"
	"github.com/any-hub/sfc/internal/proxy"
	"github.com/any-hub/sfc/internal/publish"
	"github.com/any-hub/sfc/internal/queue"
	"github.com/any-hub/sfc/internal/rules"
	"github.com/any-hub/sfc/internal/server"
	"github.com/any-hub/sfc/internal/server/routes"
	"github.com/any-hub/sfc/internal/warmup"
)

// harness 按进程启动时的顺序装配完整链路，供端到端测试使用。
type harness struct {
	app     *fiber.App
	backend *backend.Backend
	queue   *queue.Queue
	worker  *warmup.Worker
	mapper  *cache.Mapper
}

func testConfig(t *testing.T, sites ...config.SiteConfig) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:        5000,
			StoragePath:       filepath.Join(dir, "static"),
			IndexPath:         filepath.Join(dir, "index.db"),
			UpstreamTimeout:   config.Duration(5 * time.Second),
			DefaultLifetime:   config.Duration(time.Hour),
			MaximumLifetime:   config.Duration(24 * time.Hour),
			WorkerConcurrency: 2,
		},
		Cache: config.CacheConfig{
			EnableStaticFileCompression: true,
			CompressionLevel:            config.DefaultCompressionLevel,
			FileTypes:                   []string{"xml"},
			SendCacheControlHeader:      true,
			HtaccessMode:                config.HtaccessModeAbsolute,
			BackendCookieName:           "be_typo_user",
		},
		Sites: sites,
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	db, err := database.Open(ctx, cfg.Global.IndexPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q := queue.New(db)
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	mapper, err := cache.NewMapper(cfg.Global.StoragePath, cfg.Cache.FileTypes)
	if err != nil {
		t.Fatalf("mapper error: %v", err)
	}
	b := backend.New(index.New(db, nil), store, mapper, q, backend.OptionsFromConfig(cfg), logger)

	chain := rules.Default(cfg.Cache)
	publisher, err := publish.New(b, chain, cfg.Cache, logger)
	if err != nil {
		t.Fatalf("publisher error: %v", err)
	}
	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	fetcher := proxy.NewFetcher(server.NewOriginClient(cfg))
	fastPath, err := server.NewFastPath(store, mapper, cfg.Cache.BackendCookieName, logger)
	if err != nil {
		t.Fatalf("fast path error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(fetcher, publisher, logger),
		FastPath:   fastPath,
		ListenPort: cfg.Global.ListenPort,
		Register: func(app *fiber.App) {
			routes.RegisterAdminRoutes(app, routes.AdminOptions{
				Registry:  registry,
				Backend:   b,
				Queue:     q,
				RuleNames: chain.Names(),
				Token:     cfg.Global.AdminToken,
				Logger:    logger,
			})
		},
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	worker := warmup.New(q, b, publisher, warmup.NewOriginRenderer(registry, fetcher), cfg.Global.WorkerConcurrency, logger)
	return &harness{app: app, backend: b, queue: q, worker: worker, mapper: mapper}
}

// get 发起页面请求并返回状态头与正文。
func (h *harness) get(t *testing.T, host, target string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://"+host+target, nil)
	req.Host = host
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}

// admin 调用 /-/ 管理接口并解析 backend.Result。
func (h *harness) admin(t *testing.T, method, target, body string) (int, backend.Result) {
	t.Helper()
	req := httptest.NewRequest(method, "http://127.0.0.1"+target, strings.NewReader(body))
	req.Host = "127.0.0.1"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()
	var result backend.Result
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return resp.StatusCode, result
}
