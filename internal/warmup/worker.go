package warmup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/sfc/internal/backend"
	"github.com/any-hub/sfc/internal/logging"
	"github.com/any-hub/sfc/internal/publish"
	"github.com/any-hub/sfc/internal/queue"
)

// Result 汇总一次队列运行。
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

type failure struct {
	item queue.Item
	err  error
}

// Worker 消费预热队列：重新渲染被失效的页面并直接覆盖静态文件，
// 在 boost 模式下让访客始终拿到旧文件，直到新文件就绪。
type Worker struct {
	queue       *queue.Queue
	backend     *backend.Backend
	publisher   *publish.Publisher
	renderer    Renderer
	concurrency int
	logger      *logrus.Entry
}

// New 构建 Worker。backend 与 publisher 会被切换到非 boost 模式。
func New(q *queue.Queue, b *backend.Backend, p *publish.Publisher, renderer Renderer, concurrency int, logger *logrus.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		backend:     b.WithoutBoost(),
		publisher:   p.WithoutBoost(),
		renderer:    renderer,
		concurrency: concurrency,
		logger:      logging.Component(logger, "warmup"),
	}
}

// Run 认领并处理最多 limit 个队列项，limit 为 0 时处理到队列为空。
// 单项失败只计数，运行结束后统一释放回队列，避免同一次运行反复重试；
// 认领或确认失败会中止运行并返回错误。
func (w *Worker) Run(ctx context.Context, limit int) (Result, error) {
	var (
		reserved  atomic.Int64
		processed atomic.Int64
		mu        sync.Mutex
		failed    []failure
	)

	g, gctx := errgroup.WithContext(ctx)
	for range w.concurrency {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// 先占名额再认领，保证 limit 精确
				if n := reserved.Add(1); limit > 0 && n > int64(limit) {
					return nil
				}
				item, err := w.queue.Claim(gctx)
				if errors.Is(err, queue.ErrEmpty) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("claim queue item: %w", err)
				}

				if procErr := w.process(gctx, item); procErr != nil {
					mu.Lock()
					failed = append(failed, failure{item: item, err: procErr})
					mu.Unlock()
					continue
				}
				if err := w.queue.Done(gctx, item); err != nil {
					return fmt.Errorf("complete queue item: %w", err)
				}
				processed.Add(1)
			}
		})
	}

	err := g.Wait()
	releaseCtx := context.WithoutCancel(ctx)
	for _, f := range failed {
		w.logger.WithFields(logrus.Fields{
			"action":     "queue_item_failed",
			"identifier": f.item.Identifier,
			"attempts":   f.item.Attempts + 1,
		}).WithError(f.err).Warn("warmup item released for retry")
		if relErr := w.queue.Release(releaseCtx, f.item, f.err); relErr != nil && err == nil {
			err = fmt.Errorf("release queue item: %w", relErr)
		}
	}
	result := Result{Processed: int(processed.Load()), Failed: len(failed)}
	w.logger.WithFields(logrus.Fields{
		"action":    "queue_run",
		"processed": result.Processed,
		"failed":    result.Failed,
		"limit":     limit,
	}).Info("warmup queue run finished")
	return result, err
}

// process 处理单个标识：条目已消失直接完成；explanation 记录直接删除；
// 其余重新渲染并发布，渲染结果不再可缓存时删除旧条目。
func (w *Worker) process(ctx context.Context, item queue.Item) error {
	record, err := w.backend.Lookup(ctx, item.Identifier)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	fields := logging.EntryFields("queue_item", record.URL, item.Identifier)
	if record.IsExplanation() {
		_, err := w.backend.RemoveByHash(ctx, item.Identifier)
		return err
	}

	page, err := w.renderer.Render(ctx, record.URL)
	if errors.Is(err, ErrUnknownSite) {
		// 站点已从配置中移除，条目再也无法刷新
		_, err := w.backend.RemoveByHash(ctx, item.Identifier)
		return err
	}
	if err != nil {
		return err
	}
	result, err := w.publisher.Publish(ctx, page)
	if err != nil {
		return err
	}
	switch result.Status {
	case publish.StatusKept, publish.StatusSkipped:
		// 旧条目仍然有效但页面已不可缓存，不能继续对外提供
		if _, err := w.backend.RemoveByHash(ctx, item.Identifier); err != nil {
			return err
		}
	}
	w.logger.WithFields(fields).WithField("status", string(result.Status)).Debug("warmup item processed")
	return nil
}
