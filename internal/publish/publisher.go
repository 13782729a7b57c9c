package publish

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sfc/internal/backend"
	"github.com/any-hub/sfc/internal/config"
	"github.com/any-hub/sfc/internal/logging"
	"github.com/any-hub/sfc/internal/rules"
)

// Status 描述一次发布的结果。
type Status string

const (
	StatusStored    Status = "stored"
	StatusExplained Status = "explained"
	StatusSkipped   Status = "skipped"
	StatusKept      Status = "kept"
)

// Page 是源站渲染完成后交给缓存的一页内容。
type Page struct {
	URL             string
	Host            string
	PageID          string
	Tags            []string
	Timeout         time.Duration
	DefaultLifetime time.Duration
	Body            []byte
	Rule            *rules.Context
}

// Result 是 Publish 的返回值。
type Result struct {
	Status      Status
	Explanation []string
	Tags        []string
}

// Publisher 运行规则链，并把可缓存的页面（或不可缓存的原因）写入后端。
type Publisher struct {
	backend   *backend.Backend
	chain     rules.Chain
	signature bool
	format    *strftime.Strftime
	logger    *logrus.Entry
}

// New 构建发布器，strftime 模式非法时返回错误。
func New(b *backend.Backend, chain rules.Chain, cfg config.CacheConfig, logger *logrus.Logger) (*Publisher, error) {
	pattern := cfg.Strftime
	if pattern == "" {
		pattern = "%d-%m-%y %H:%M"
	}
	format, err := strftime.New(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid Strftime pattern %q: %w", pattern, err)
	}
	return &Publisher{
		backend:   b,
		chain:     chain,
		signature: cfg.ShowGenerationSignature,
		format:    format,
		logger:    logging.Component(logger, "publisher"),
	}, nil
}

// Chain 返回发布器使用的规则链。
func (p *Publisher) Chain() rules.Chain {
	return p.chain
}

// WithoutBoost 返回写入非 boost 后端的副本，供预热 worker 直接回填缓存。
func (p *Publisher) WithoutBoost() *Publisher {
	clone := *p
	clone.backend = p.backend.WithoutBoost()
	return &clone
}

// Publish 写入页面。后端错误只返回给调用方记录，不影响已经发出的响应。
func (p *Publisher) Publish(ctx context.Context, page Page) (Result, error) {
	if page.Rule == nil {
		page.Rule = defaultRuleContext(page)
	}
	outcome := p.chain.Run(page.Rule)
	if outcome.Skip {
		p.logger.WithFields(logrus.Fields{
			"action": "publish_skipped",
			"url":    page.URL,
			"rule":   outcome.SkippedBy,
		}).Debug("cache processing skipped")
		return Result{Status: StatusSkipped, Explanation: outcome.Explanation}, nil
	}

	tags := p.tagsFor(page)
	if len(outcome.Explanation) > 0 {
		// 已有有效缓存时不用 explanation 覆盖，例如登录用户第二次访问同一页面
		fresh, err := p.backend.Has(ctx, page.URL)
		if err != nil {
			return Result{}, err
		}
		if fresh {
			return Result{Status: StatusKept, Explanation: outcome.Explanation, Tags: tags}, nil
		}
		tags = append(tags, backend.ExplanationTag)
		data := []byte(strings.Join(outcome.Explanation, "\n"))
		if err := p.backend.Set(ctx, page.URL, data, tags, 0); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusExplained, Explanation: outcome.Explanation, Tags: tags}, nil
	}

	lifetime := page.Timeout
	if lifetime <= 0 {
		lifetime = page.DefaultLifetime
	}
	if lifetime <= 0 {
		lifetime = backend.UnsetLifetime
	}

	body := page.Body
	if p.signature && isHTML(page.Rule) {
		body = p.sign(body, lifetime)
	}
	if err := p.backend.Set(ctx, page.URL, body, tags, lifetime); err != nil {
		return Result{}, err
	}
	p.logger.WithFields(logrus.Fields{
		"action": "publish_stored",
		"url":    page.URL,
		"tags":   tags,
	}).Debug("page stored")
	return Result{Status: StatusStored, Tags: tags}, nil
}

func (p *Publisher) tagsFor(page Page) []string {
	tags := make([]string, 0, len(page.Tags)+2)
	for _, tag := range page.Tags {
		if tag = strings.TrimSpace(tag); tag != "" && tag != backend.ExplanationTag {
			tags = append(tags, tag)
		}
	}
	if page.PageID != "" {
		tags = append(tags, backend.PageTag(page.PageID))
	}
	if page.Host != "" {
		tags = append(tags, backend.DomainTag(page.Host))
	}
	return tags
}

func (p *Publisher) sign(body []byte, lifetime time.Duration) []byte {
	policy := p.backend.Lifetime()
	now := policy.Now()
	lifetime = policy.Resolve(lifetime)
	var b strings.Builder
	b.Write(body)
	b.WriteString("\n<!-- cached statically on: ")
	b.WriteString(p.format.FormatString(now))
	b.WriteString(" -->\n<!-- expires on: ")
	b.WriteString(p.format.FormatString(now.Add(lifetime)))
	b.WriteString(" -->")
	return []byte(b.String())
}

func defaultRuleContext(page Page) *rules.Context {
	u, _ := url.Parse(page.URL)
	return &rules.Context{
		Method:  http.MethodGet,
		URL:     u,
		Cookies: map[string]string{},
		Status:  http.StatusOK,
		Header:  http.Header{},
		Body:    page.Body,
	}
}

func isHTML(ctx *rules.Context) bool {
	if ctx == nil || ctx.Header == nil {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ctx.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/html"
}
