// Package janitor 在 serve 期间周期性回收过期条目，并按需驱动预热队列。
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sfc/internal/backend"
	"github.com/any-hub/sfc/internal/logging"
	"github.com/any-hub/sfc/internal/warmup"
)

// Collector 是垃圾回收能力，由 *backend.Backend 实现。
type Collector interface {
	CollectGarbage(ctx context.Context) (backend.Result, error)
}

// QueueRunner 是预热队列消费能力，由 *warmup.Worker 实现。
type QueueRunner interface {
	Run(ctx context.Context, limit int) (warmup.Result, error)
}

// Janitor 以两个独立 ticker 驱动 GC 与队列 worker，interval <= 0 表示关闭对应任务。
type Janitor struct {
	collector      Collector
	worker         QueueRunner
	gcInterval     time.Duration
	workerInterval time.Duration
	logger         *logrus.Entry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 构建 Janitor，worker 可为空。
func New(collector Collector, worker QueueRunner, gcInterval, workerInterval time.Duration, logger *logrus.Logger) *Janitor {
	return &Janitor{
		collector:      collector,
		worker:         worker,
		gcInterval:     gcInterval,
		workerInterval: workerInterval,
		logger:         logging.Component(logger, "janitor"),
		stop:           make(chan struct{}),
	}
}

// Start 启动后台 goroutine，ctx 取消或调用 Stop 时退出。
func (j *Janitor) Start(ctx context.Context) {
	if j.collector != nil && j.gcInterval > 0 {
		j.loop(ctx, j.gcInterval, j.collect)
	}
	if j.worker != nil && j.workerInterval > 0 {
		j.loop(ctx, j.workerInterval, j.drain)
	}
}

// Stop 通知后台任务退出并等待当前一轮完成，可重复调用。
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stop)
	})
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(interval)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				task(ctx)
			case <-j.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (j *Janitor) collect(ctx context.Context) {
	result, err := j.collector.CollectGarbage(ctx)
	entry := j.logger.WithFields(logrus.Fields{
		"action":  "janitor_gc",
		"matched": result.Matched,
		"removed": result.Removed,
		"queued":  result.Queued,
	})
	if err != nil {
		entry.WithError(err).Warn("garbage collection incomplete")
		return
	}
	if result.Matched > 0 {
		entry.Info("garbage collection finished")
	}
}

func (j *Janitor) drain(ctx context.Context) {
	if _, err := j.worker.Run(ctx, 0); err != nil {
		j.logger.WithField("action", "janitor_worker").WithError(err).Warn("warmup queue run failed")
	}
}
