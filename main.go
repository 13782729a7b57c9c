package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sfc/internal/backend"
	"github.com/any-hub/sfc/internal/config"
	"github.com/any-hub/sfc/internal/janitor"
	"github.com/any-hub/sfc/internal/logging"
	"github.com/any-hub/sfc/internal/proxy"
	"github.com/any-hub/sfc/internal/server"
	"github.com/any-hub/sfc/internal/server/routes"
	"github.com/any-hub/sfc/internal/version"
	"github.com/any-hub/sfc/internal/warmup"
)

// 子命令名称，缺省为 serve。
const (
	commandServe         = "serve"
	commandRemoveExpired = "remove-expired"
	commandRunQueue      = "run-invalidation-queue"
	commandFlushCache    = "flush-cache"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	command     string
	limit       int
	domain      string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = config.SiteNames(cfg.Sites)
		fields["boost_mode"] = cfg.Cache.BoostMode
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化失败: %v\n", err)
		return 1
	}
	defer svc.Close()

	switch opts.command {
	case commandServe:
		err = serve(ctx, svc, opts.configPath)
	case commandRemoveExpired:
		var result backend.Result
		result, err = svc.backend.CollectGarbage(ctx)
		printResult(result)
	case commandRunQueue:
		var result warmup.Result
		result, err = svc.worker.Run(ctx, opts.limit)
		printResult(result)
	case commandFlushCache:
		var result backend.Result
		result, err = svc.backend.Flush(ctx, server.Hostname(opts.domain))
		if errors.Is(err, backend.ErrDomainRequired) {
			fmt.Fprintln(stdErr, "flush-cache 需要 --domain，或在配置中开启 Cache.ClearCacheForAllDomains")
			return 2
		}
		printResult(result)
	}
	if err != nil {
		fields := logging.BaseFields(opts.command, opts.configPath)
		logger.WithFields(fields).WithError(err).Error("命令执行失败")
		fmt.Fprintf(stdErr, "%s 失败: %v\n", opts.command, err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析全局参数与子命令参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("sfc", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SFC_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	opts := cliOptions{
		checkOnly:   checkOnly,
		showVersion: showVer,
		command:     commandServe,
	}
	if fs.NArg() > 0 {
		opts.command = fs.Arg(0)
	}

	sub := flag.NewFlagSet(opts.command, flag.ContinueOnError)
	sub.SetOutput(io.Discard)
	switch opts.command {
	case commandServe, commandRemoveExpired:
	case commandRunQueue:
		sub.IntVar(&opts.limit, "limit", 0, "最多处理的队列项数，0 表示处理到队列为空")
	case commandFlushCache:
		sub.StringVar(&opts.domain, "domain", "", "只清理该域名下的缓存")
	default:
		return cliOptions{}, fmt.Errorf("未知子命令: %s", opts.command)
	}
	if fs.NArg() > 1 {
		if err := sub.Parse(fs.Args()[1:]); err != nil {
			return cliOptions{}, fmt.Errorf("解析 %s 参数失败: %w", opts.command, err)
		}
		if sub.NArg() > 0 {
			return cliOptions{}, fmt.Errorf("多余的参数: %v", sub.Args())
		}
	}
	if opts.limit < 0 {
		return cliOptions{}, errors.New("--limit 不能为负数")
	}

	path := os.Getenv("SFC_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path

	return opts, nil
}

// serve 启动 Fiber 服务与后台 janitor，收到退出信号后优雅关闭。
func serve(ctx context.Context, svc *services, configPath string) error {
	cfg := svc.cfg
	logger := svc.logger

	fastPath, err := server.NewFastPath(svc.store, svc.mapper, cfg.Cache.BackendCookieName, logger)
	if err != nil {
		return err
	}
	handler := proxy.NewHandler(svc.fetcher, svc.publisher, logger)

	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   svc.registry,
		Proxy:      handler,
		FastPath:   fastPath,
		ListenPort: port,
		Register: func(app *fiber.App) {
			routes.RegisterAdminRoutes(app, routes.AdminOptions{
				Registry:  svc.registry,
				Backend:   svc.backend,
				Queue:     svc.queue,
				RuleNames: svc.chain.Names(),
				Token:     cfg.Global.AdminToken,
				Logger:    logger,
			})
		},
	})
	if err != nil {
		return err
	}

	var worker janitor.QueueRunner
	if cfg.Cache.BoostMode {
		worker = svc.worker
	}
	jan := janitor.New(svc.backend, worker, cfg.Global.GCInterval.DurationValue(), cfg.Global.WorkerInterval.DurationValue(), logger)
	jan.Start(ctx)
	defer jan.Stop()

	fields := logging.BaseFields("startup", configPath)
	fields["sites"] = config.SiteNames(cfg.Sites)
	fields["listen_port"] = port
	fields["boost_mode"] = cfg.Cache.BoostMode
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("Fiber 服务关闭超时")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// printResult 以 JSON 输出命令结果，便于在 cron 与脚本中解析。
func printResult(result any) {
	encoder := json.NewEncoder(stdOut)
	_ = encoder.Encode(result)
}
