package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sfc/internal/cache"
	"github.com/any-hub/sfc/internal/index"
	"github.com/any-hub/sfc/internal/logging"
)

// ErrNotFound 表示缓存中没有该 URL 的条目。
var ErrNotFound = errors.New("cache entry not found")

// ErrDomainRequired 表示按域名清理时未提供域名，且未开启全域清理。
var ErrDomainRequired = errors.New("flush requires a domain unless ClearCacheForAllDomains is enabled")

// Enqueuer 是后端在 boost 模式下依赖的队列能力。
type Enqueuer interface {
	AddIdentifier(ctx context.Context, identifier string) error
	AddIdentifiers(ctx context.Context, identifiers []string) error
}

// Entry 是 Get 返回的缓存条目。
type Entry struct {
	URL     string
	Content []byte
	// FromFile 表示内容直接取自静态文件。
	FromFile bool
	Record   *index.Record
}

// IsExplanation 表示条目只是“未缓存原因”记录。
func (e *Entry) IsExplanation() bool {
	return e.Record != nil && e.Record.IsExplanation()
}

// Result 汇总一次批量失效的结果。
type Result struct {
	Matched int `json:"matched"`
	Removed int `json:"removed"`
	Queued  int `json:"queued"`
	Failed  int `json:"failed"`
}

// Backend 组合索引、静态文件存储与队列，对外提供统一的缓存契约。
type Backend struct {
	index    *index.Index
	store    cache.Store
	mapper   *cache.Mapper
	queue    Enqueuer
	opts     Options
	lifetime LifetimePolicy
	logger   *logrus.Entry
}

// Option 调整 Backend 的可选依赖。
type Option func(*Backend)

// WithClock 替换时钟，便于测试过期行为。
func WithClock(clock func() time.Time) Option {
	return func(b *Backend) {
		if clock != nil {
			b.lifetime = b.lifetime.WithClock(clock)
		}
	}
}

// New 以显式依赖构建后端，queue 可为空（此时 boost 模式不可用）。
func New(idx *index.Index, store cache.Store, mapper *cache.Mapper, queue Enqueuer, opts Options, logger *logrus.Logger, options ...Option) *Backend {
	b := &Backend{
		index:    idx,
		store:    store,
		mapper:   mapper,
		queue:    queue,
		opts:     opts,
		lifetime: NewLifetimePolicy(opts.DefaultLifetime, opts.MaximumLifetime),
		logger:   logging.Component(logger, "backend"),
	}
	for _, opt := range options {
		opt(b)
	}
	if b.queue == nil {
		b.opts.BoostMode = false
	}
	return b
}

// WithoutBoost 返回关闭 boost 模式的副本，供预热 worker 使用，避免 worker 把失效再次入队。
func (b *Backend) WithoutBoost() *Backend {
	clone := *b
	clone.opts.BoostMode = false
	return &clone
}

// BoostMode 返回当前是否延迟失效。
func (b *Backend) BoostMode() bool {
	return b.opts.BoostMode
}

// Options 返回后端配置快照。
func (b *Backend) Options() Options {
	return b.opts
}

// Mapper 返回 URL 到文件路径的映射器，服务端快速路径与后端共用。
func (b *Backend) Mapper() *cache.Mapper {
	return b.mapper
}

// Lifetime 返回时长收敛策略。
func (b *Backend) Lifetime() LifetimePolicy {
	return b.lifetime
}

// Count 返回索引中的条目数（含过期与 explanation 记录）。
func (b *Backend) Count(ctx context.Context) (int, error) {
	return b.index.Count(ctx)
}

// Now 返回后端时钟的当前时间。
func (b *Backend) Now() time.Time {
	return b.lifetime.Now()
}

// Set 写入缓存：先写索引行再写文件，文件写入失败时撤回索引行。
// 带 explanation 标签时只写“未缓存原因”记录，并清理该 URL 之前的静态文件。
func (b *Backend) Set(ctx context.Context, url string, data []byte, tags []string, lifetime time.Duration) error {
	hash := cache.Hash(url)
	if slices.Contains(tags, ExplanationTag) {
		return b.setExplanation(ctx, url, hash, data, tags)
	}

	realLifetime := b.lifetime.Resolve(lifetime)
	created, expires := b.lifetime.Window(realLifetime)
	record := index.Record{URL: url, Created: created.Unix(), Expires: expires.Unix()}
	if err := b.index.Set(ctx, hash, record, tags); err != nil {
		b.logger.WithFields(logging.EntryFields("cache_set_failed", url, hash)).WithError(err).Error("index write failed")
		return fmt.Errorf("index set: %w", err)
	}

	path, err := b.mapper.Map(url)
	if errors.Is(err, cache.ErrNotApplicable) {
		b.logger.WithFields(logging.EntryFields("cache_set_metadata_only", url, hash)).Debug("url not mappable to a static file")
		return nil
	}

	writeErr := b.store.Write(ctx, path, data, cache.WriteOptions{
		Compress:         b.opts.Compress,
		CompressionLevel: b.opts.CompressionLevel,
		AccessControl:    b.accessControl(url, hash, realLifetime, expires),
	})
	if writeErr != nil {
		fields := logging.EntryFields("cache_set_failed", url, hash)
		b.logger.WithFields(fields).WithError(writeErr).Error("static file write failed")
		if rmErr := b.store.Remove(ctx, path); rmErr != nil {
			// 旧文件仍可被快速路径读取，保留索引行以便后续失效能找到它
			b.logger.WithFields(fields).WithError(rmErr).Error("stale static file left behind")
			return fmt.Errorf("write static file: %w", writeErr)
		}
		if _, err := b.index.Remove(ctx, hash); err != nil {
			b.logger.WithFields(fields).WithError(err).Error("index rollback failed")
		}
		return fmt.Errorf("write static file: %w", writeErr)
	}

	b.logger.WithFields(logging.EntryFields("cache_set", url, hash)).WithFields(logrus.Fields{
		"tags":     tags,
		"lifetime": realLifetime.String(),
	}).Debug("entry stored")
	return nil
}

func (b *Backend) setExplanation(ctx context.Context, url, hash string, data []byte, tags []string) error {
	fields := logging.EntryFields("cache_set_explanation", url, hash)
	if path, err := b.mapper.Map(url); err == nil {
		if err := b.store.Remove(ctx, path); err != nil {
			b.logger.WithFields(fields).WithError(err).Error("remove previous static files failed")
			return fmt.Errorf("remove previous static files: %w", err)
		}
	}

	now := b.lifetime.Now().Unix()
	record := index.Record{
		URL:         url,
		Created:     now,
		Expires:     now,
		Explanation: explanationLines(data),
	}
	if err := b.index.Set(ctx, hash, record, tags); err != nil {
		b.logger.WithFields(fields).WithError(err).Error("index write failed")
		return fmt.Errorf("index set: %w", err)
	}
	b.logger.WithFields(fields).WithField("explanation", record.Explanation).Debug("explanation stored")
	return nil
}

// Get 先查静态文件，找不到再查索引；explanation 记录只带元数据返回，不会有 Content。
func (b *Backend) Get(ctx context.Context, url string) (*Entry, error) {
	if path, err := b.mapper.Map(url); err == nil {
		content, err := b.store.Read(path)
		if err == nil {
			return &Entry{URL: url, Content: content, FromFile: true}, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
	}

	record, err := b.index.Get(ctx, cache.Hash(url))
	if errors.Is(err, index.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Entry{URL: url, Record: &record}, nil
}

// Has 仅在存在未过期、且不是 explanation 的索引行时返回 true。
func (b *Backend) Has(ctx context.Context, url string) (bool, error) {
	record, err := b.index.Get(ctx, cache.Hash(url))
	if errors.Is(err, index.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !record.IsExplanation() && record.Fresh(b.lifetime.Now()), nil
}

// Lookup 按标识哈希读取索引记录（忽略过期），供预热 worker 还原 URL。
func (b *Backend) Lookup(ctx context.Context, hash string) (index.Record, error) {
	record, err := b.index.Get(ctx, hash)
	if errors.Is(err, index.ErrNotFound) {
		return index.Record{}, ErrNotFound
	}
	return record, err
}

// Remove 删除 URL 对应的条目，没有条目时返回 false。
func (b *Backend) Remove(ctx context.Context, url string) (bool, error) {
	return b.RemoveByHash(ctx, cache.Hash(url))
}

// RemoveByHash 删除条目：boost 模式只入队；否则先删文件再删索引行，文件删除失败时保留索引行。
func (b *Backend) RemoveByHash(ctx context.Context, hash string) (bool, error) {
	record, err := b.index.Get(ctx, hash)
	if errors.Is(err, index.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	fields := logging.EntryFields("cache_remove", record.URL, hash)
	if b.opts.BoostMode {
		if err := b.queue.AddIdentifier(ctx, hash); err != nil {
			return false, fmt.Errorf("enqueue %s: %w", hash, err)
		}
		b.logger.WithFields(fields).Debug("removal deferred to warmup queue")
		return true, nil
	}

	if err := b.removeStaticFiles(ctx, record.URL); err != nil {
		b.logger.WithFields(fields).WithError(err).Error("static file removal failed, keeping index row")
		return false, err
	}
	removed, err := b.index.Remove(ctx, hash)
	if err != nil {
		return false, err
	}
	b.logger.WithFields(fields).Debug("entry removed")
	return removed, nil
}

// Flush 默认只清理 host 所在域名的条目；开启 ClearCacheForAllDomains 时清理全部。
func (b *Backend) Flush(ctx context.Context, host string) (Result, error) {
	if !b.opts.ClearCacheForAllDomains {
		host = strings.TrimSpace(host)
		if host == "" {
			return Result{}, ErrDomainRequired
		}
		return b.FlushByTag(ctx, DomainTag(host))
	}

	if b.opts.BoostMode {
		hashes, err := b.index.FindAllIdentifiers(ctx)
		if err != nil {
			return Result{}, err
		}
		if err := b.queue.AddIdentifiers(ctx, hashes); err != nil {
			return Result{}, fmt.Errorf("enqueue flush: %w", err)
		}
		b.logger.WithField("action", "cache_flush").WithField("queued", len(hashes)).Info("full flush deferred to warmup queue")
		return Result{Matched: len(hashes), Queued: len(hashes)}, nil
	}

	count, err := b.index.Count(ctx)
	if err != nil {
		return Result{}, err
	}
	for _, dir := range b.mapper.SchemeDirs() {
		if err := b.store.SoftRemove(dir); err != nil {
			// 已改名的目录不再可读，立即删除，避免留在 pending 中等下一次 flush
			if rmErr := b.store.RemoveDirs(); rmErr != nil {
				b.logger.WithField("action", "cache_flush").WithError(rmErr).Warn("renamed cache directories not fully removed")
			}
			return Result{}, err
		}
	}
	if err := b.index.Flush(ctx); err != nil {
		return Result{}, err
	}
	if err := b.store.RemoveDirs(); err != nil {
		b.logger.WithField("action", "cache_flush").WithError(err).Warn("renamed cache directories not fully removed")
	}
	b.logger.WithField("action", "cache_flush").WithField("removed", count).Info("cache flushed")
	return Result{Matched: count, Removed: count}, nil
}

// FlushByTag 失效带有 tag 的全部条目（包括已过期但尚未回收的）。
func (b *Backend) FlushByTag(ctx context.Context, tag string) (Result, error) {
	return b.FlushByTags(ctx, []string{tag})
}

// FlushByTags 失效带有任一 tag 的全部条目（包括已过期但尚未回收的）。
func (b *Backend) FlushByTags(ctx context.Context, tags []string) (Result, error) {
	if len(tags) == 0 {
		return Result{}, nil
	}
	hashes, err := b.index.FindIdentifiersByTags(ctx, tags, true)
	if err != nil {
		return Result{}, err
	}

	var result Result
	if b.opts.BoostMode {
		result, err = b.enqueue(ctx, hashes)
	} else {
		result, err = b.removeIdentifiers(ctx, hashes)
	}
	b.logger.WithFields(logrus.Fields{
		"action":  "cache_flush_by_tags",
		"tags":    tags,
		"matched": result.Matched,
		"removed": result.Removed,
		"queued":  result.Queued,
		"failed":  result.Failed,
	}).Info("tags invalidated")
	return result, err
}

// CollectGarbage 处理已过期条目：boost 模式入队预热，否则先删文件再删索引行。
func (b *Backend) CollectGarbage(ctx context.Context) (Result, error) {
	before := b.lifetime.Now()
	hashes, err := b.index.FindExpiredIdentifiers(ctx, before)
	if err != nil {
		return Result{}, err
	}
	if len(hashes) == 0 {
		return Result{}, nil
	}

	var result Result
	if b.opts.BoostMode {
		result, err = b.enqueue(ctx, hashes)
	} else {
		result, err = b.removeIdentifiers(ctx, hashes)
	}
	b.logger.WithFields(logrus.Fields{
		"action":  "cache_gc",
		"matched": result.Matched,
		"removed": result.Removed,
		"queued":  result.Queued,
		"failed":  result.Failed,
	}).Info("expired entries collected")
	return result, err
}

func (b *Backend) enqueue(ctx context.Context, hashes []string) (Result, error) {
	if err := b.queue.AddIdentifiers(ctx, hashes); err != nil {
		return Result{Matched: len(hashes)}, fmt.Errorf("enqueue: %w", err)
	}
	return Result{Matched: len(hashes), Queued: len(hashes)}, nil
}

// removeIdentifiers 逐条删除文件，只有文件确认删除的条目才会删除索引行。
func (b *Backend) removeIdentifiers(ctx context.Context, hashes []string) (Result, error) {
	result := Result{Matched: len(hashes)}
	cleared := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		record, err := b.index.Get(ctx, hash)
		if errors.Is(err, index.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
		if err := b.removeStaticFiles(ctx, record.URL); err != nil {
			result.Failed++
			b.logger.WithFields(logging.EntryFields("cache_remove_failed", record.URL, hash)).WithError(err).Error("static file removal failed, keeping index row")
			continue
		}
		cleared = append(cleared, hash)
	}

	removed, err := b.index.RemoveAll(ctx, cleared)
	result.Removed = int(removed)
	if err != nil {
		return result, err
	}
	if result.Failed > 0 {
		return result, fmt.Errorf("%d entries kept because their static files could not be removed", result.Failed)
	}
	return result, nil
}

// removeStaticFiles 删除 URL 的静态文件；无法映射的 URL 没有文件，视为成功。
func (b *Backend) removeStaticFiles(ctx context.Context, url string) error {
	path, err := b.mapper.Map(url)
	if errors.Is(err, cache.ErrNotApplicable) {
		return nil
	}
	return b.store.Remove(ctx, path)
}

func (b *Backend) accessControl(url, hash string, lifetime time.Duration, expires time.Time) *cache.AccessControl {
	headerLifetime := lifetime
	if b.opts.HtaccessTimeout > 0 {
		headerLifetime = b.opts.HtaccessTimeout
	}
	mode := b.opts.HtaccessMode
	if mode == "" {
		mode = cache.ExpiryAbsolute
	}
	return &cache.AccessControl{
		Identifier:          hash,
		URL:                 url,
		Mode:                mode,
		Lifetime:            headerLifetime,
		ExpiresAt:           expires,
		SendCacheControl:    b.opts.SendCacheControl,
		RedirectAfterExpiry: b.opts.RedirectAfterExpiry,
	}
}

func explanationLines(data []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		lines = []string{"not cacheable"}
	}
	return lines
}
