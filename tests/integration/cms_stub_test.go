package integration

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
)

// cmsPage 是桩源站上的一个页面：正文与渲染契约头。
type cmsPage struct {
	Body    string
	Tags    []string
	PageID  string
	Timeout string
	NoCache bool
}

// cmsStub 模拟 CMS 源站，记录每次渲染请求，页面内容可在测试中修改。
type cmsStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	pages    map[string]cmsPage
	requests []RecordedRequest
	failing  bool
}

// RecordedRequest 捕获每次回源的方法/路径/Host/Headers，便于断言代理行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Host    string
	Headers http.Header
}

func newCMSStub(t *testing.T) *cmsStub {
	t.Helper()

	stub := &cmsStub{pages: make(map[string]cmsPage)}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.requests = append(stub.requests, RecordedRequest{
			Method:  r.Method,
			Path:    r.URL.RequestURI(),
			Host:    r.Header.Get("X-Forwarded-Host"),
			Headers: r.Header.Clone(),
		})
		page, ok := stub.pages[r.URL.Path]
		failing := stub.failing
		stub.mu.Unlock()

		if failing {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if len(page.Tags) > 0 {
			w.Header().Set("X-SFC-Tags", strings.Join(page.Tags, ","))
		}
		if page.PageID != "" {
			w.Header().Set("X-SFC-Page-Id", page.PageID)
		}
		if page.Timeout != "" {
			w.Header().Set("X-SFC-Timeout", page.Timeout)
		}
		if page.NoCache {
			w.Header().Set("X-SFC-No-Cache", "1")
		}
		_, _ = w.Write([]byte(page.Body))
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start cms stub listener: %v", err)
	}
	stub.server = &http.Server{Handler: handler}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)

	return stub
}

// SetPage 新增或修改页面内容。
func (s *cmsStub) SetPage(path string, page cmsPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = page
}

// SetFailing 让后续请求全部返回 503。
func (s *cmsStub) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// Hits 返回指定路径的回源次数。
func (s *cmsStub) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if req.Path == path {
			count++
		}
	}
	return count
}

// Requests 返回已记录请求的副本。
func (s *cmsStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// Close 关闭桩服务。
func (s *cmsStub) Close() {
	if s.server != nil {
		_ = s.server.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
