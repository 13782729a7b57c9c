package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sfc/internal/backend"
	"github.com/any-hub/sfc/internal/cache"
	"github.com/any-hub/sfc/internal/config"
	"github.com/any-hub/sfc/internal/database"
	"github.com/any-hub/sfc/internal/index"
	"github.com/any-hub/sfc/internal/proxy"
	"github.com/any-hub/sfc/internal/publish"
	"github.com/any-hub/sfc/internal/queue"
	"github.com/any-hub/sfc/internal/rules"
	"github.com/any-hub/sfc/internal/server"
	"github.com/any-hub/sfc/internal/warmup"
)

// services 持有一次进程生命周期内共享的组件，所有子命令复用同一套装配。
type services struct {
	cfg       *config.Config
	logger    *logrus.Logger
	db        *sql.DB
	store     cache.Store
	mapper    *cache.Mapper
	queue     *queue.Queue
	backend   *backend.Backend
	chain     rules.Chain
	publisher *publish.Publisher
	registry  *server.SiteRegistry
	fetcher   *proxy.Fetcher
	worker    *warmup.Worker
}

// buildServices 按“索引库 → 队列 → 静态文件存储 → 后端 → 规则 → 发布器 → 站点注册表 → worker”
// 的顺序装配依赖，任一步失败都会释放已打开的资源。
func buildServices(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*services, error) {
	db, err := database.Open(ctx, cfg.Global.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("打开索引数据库失败: %w", err)
	}
	svc := &services{cfg: cfg, logger: logger, db: db}
	ok := false
	defer func() {
		if !ok {
			db.Close()
		}
	}()

	svc.queue = queue.New(db, queue.WithClaimTimeout(cfg.Global.QueueClaimTimeout.DurationValue()))

	if svc.store, err = cache.NewStore(cfg.Global.StoragePath); err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	if svc.mapper, err = cache.NewMapper(cfg.Global.StoragePath, cfg.Cache.FileTypes); err != nil {
		return nil, err
	}

	idx := index.New(db, nil)
	svc.backend = backend.New(idx, svc.store, svc.mapper, svc.queue, backend.OptionsFromConfig(cfg), logger)

	svc.chain = rules.Default(cfg.Cache)
	if svc.publisher, err = publish.New(svc.backend, svc.chain, cfg.Cache, logger); err != nil {
		return nil, err
	}

	if svc.registry, err = server.NewSiteRegistry(cfg); err != nil {
		return nil, fmt.Errorf("构建站点注册表失败: %w", err)
	}
	svc.fetcher = proxy.NewFetcher(server.NewOriginClient(cfg))
	renderer := warmup.NewOriginRenderer(svc.registry, svc.fetcher)
	svc.worker = warmup.New(svc.queue, svc.backend, svc.publisher, renderer, cfg.Global.WorkerConcurrency, logger)

	ok = true
	return svc, nil
}

// Close 释放数据库连接。
func (s *services) Close() error {
	return s.db.Close()
}
