package integration

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/any-hub/sfc/internal/config"
	"github.com/any-hub/sfc/internal/server"
)

const siteHost = "www.example.com"

func TestStaticCacheFlow(t *testing.T) {
	cms := newCMSStub(t)
	cms.SetPage("/about/", cmsPage{Body: "<html>about v1</html>", Tags: []string{"pages"}, PageID: "7"})
	h := newHarness(t, testConfig(t, config.SiteConfig{Name: "main", Domain: siteHost, Origin: cms.URL, Scheme: "http"}))

	// Miss -> 回源并发布静态文件
	resp, body := h.get(t, siteHost, "/about/", nil)
	if resp.StatusCode != http.StatusOK || body != "<html>about v1</html>" {
		t.Fatalf("unexpected first response %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(server.HeaderState) != server.StateMiss {
		t.Fatalf("expected miss on first request")
	}
	if resp.Header.Get("X-SFC-Tags") != "" {
		t.Fatalf("render headers leaked to the client")
	}

	path, err := h.mapper.Map("http://www.example.com/about/")
	if err != nil {
		t.Fatalf("map error: %v", err)
	}
	for _, file := range []string{path, path + ".gz", filepath.Join(filepath.Dir(path), ".htaccess")} {
		if _, err := os.Stat(file); err != nil {
			t.Fatalf("expected %s to exist: %v", file, err)
		}
	}

	// Hit -> 直接读取静态文件（含 gzip 变体）
	resp, _ = h.get(t, siteHost, "/about/", map[string]string{"Accept-Encoding": "gzip"})
	if resp.Header.Get(server.HeaderState) != server.StateHit || resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip hit, got headers %v", resp.Header)
	}
	if cms.Hits("/about/") != 1 {
		t.Fatalf("expected a single origin render, got %d", cms.Hits("/about/"))
	}

	// 内容修改后，缓存仍返回旧内容直到按标签失效
	cms.SetPage("/about/", cmsPage{Body: "<html>about v2</html>", Tags: []string{"pages"}, PageID: "7"})
	if _, body = h.get(t, siteHost, "/about/", nil); body != "<html>about v1</html>" {
		t.Fatalf("expected cached v1 before invalidation, got %s", body)
	}

	status, result := h.admin(t, http.MethodPost, "/-/invalidate", `{"tags":["sfc_pageId_7"]}`)
	if status != http.StatusOK || result.Removed != 1 {
		t.Fatalf("unexpected invalidate result %d %+v", status, result)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("static file should be gone after invalidation")
	}

	resp, body = h.get(t, siteHost, "/about/", nil)
	if resp.Header.Get(server.HeaderState) != server.StateMiss || body != "<html>about v2</html>" {
		t.Fatalf("expected fresh render after invalidation, got %s %s", resp.Header.Get(server.HeaderState), body)
	}
	if cms.Hits("/about/") != 2 {
		t.Fatalf("expected second origin render, got %d", cms.Hits("/about/"))
	}
}

func TestUncacheablePagesStayDynamic(t *testing.T) {
	cms := newCMSStub(t)
	cms.SetPage("/cart/", cmsPage{Body: "<html>cart</html>", NoCache: true})
	cms.SetPage("/news/", cmsPage{Body: "<html>news</html>"})
	h := newHarness(t, testConfig(t, config.SiteConfig{Name: "main", Domain: siteHost, Origin: cms.URL}))

	for i := 0; i < 2; i++ {
		resp, _ := h.get(t, siteHost, "/cart/", nil)
		if resp.Header.Get(server.HeaderState) != server.StateMiss {
			t.Fatalf("no-cache page must never be served statically")
		}
	}
	if cms.Hits("/cart/") != 2 {
		t.Fatalf("expected every request to reach the origin, got %d", cms.Hits("/cart/"))
	}
	entry, err := h.backend.Get(context.Background(), "http://www.example.com/cart/")
	if err != nil || !entry.IsExplanation() {
		t.Fatalf("expected explanation entry, got %+v %v", entry, err)
	}

	// 带查询参数与后台登录的请求绕过快速路径
	h.get(t, siteHost, "/news/", nil)
	h.get(t, siteHost, "/news/?page=2", nil)
	h.get(t, siteHost, "/news/", map[string]string{"Cookie": "be_typo_user=1"})
	if got := len(cms.Requests()); got != 5 {
		t.Fatalf("expected query and backend-user requests to reach the origin, got %d requests", got)
	}
	resp, _ := h.get(t, siteHost, "/news/", nil)
	if resp.Header.Get(server.HeaderState) != server.StateHit {
		t.Fatalf("anonymous request should still hit the static file")
	}
}

func TestBoostModeServesStaleUntilWorkerRuns(t *testing.T) {
	cms := newCMSStub(t)
	cms.SetPage("/", cmsPage{Body: "<html>home v1</html>", Tags: []string{"home"}})
	cfg := testConfig(t, config.SiteConfig{Name: "main", Domain: siteHost, Origin: cms.URL})
	cfg.Cache.BoostMode = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.get(t, siteHost, "/", nil)
	cms.SetPage("/", cmsPage{Body: "<html>home v2</html>", Tags: []string{"home"}})

	status, result := h.admin(t, http.MethodPost, "/-/invalidate", `{"tags":["home"]}`)
	if status != http.StatusOK || result.Queued != 1 || result.Removed != 0 {
		t.Fatalf("boost invalidation should only enqueue, got %d %+v", status, result)
	}
	resp, body := h.get(t, siteHost, "/", nil)
	if resp.Header.Get(server.HeaderState) != server.StateHit || body != "<html>home v1</html>" {
		t.Fatalf("stale file should be served until the worker runs, got %s", body)
	}

	// 源站维护中：队列项保留，旧文件继续对外
	cms.SetFailing(true)
	run, err := h.worker.Run(ctx, 0)
	if err != nil || run.Failed != 1 {
		t.Fatalf("expected failed refresh, got %+v %v", run, err)
	}
	if count, _ := h.queue.Count(ctx); count != 1 {
		t.Fatalf("failed item must stay queued, got %d", count)
	}

	cms.SetFailing(false)
	run, err = h.worker.Run(ctx, 0)
	if err != nil || run.Processed != 1 {
		t.Fatalf("expected refresh, got %+v %v", run, err)
	}
	resp, body = h.get(t, siteHost, "/", nil)
	if resp.Header.Get(server.HeaderState) != server.StateHit || body != "<html>home v2</html>" {
		t.Fatalf("worker should have refreshed the static file, got %s %s", resp.Header.Get(server.HeaderState), body)
	}
}
