package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-mirror/internal/cache"
	"github.com/any-hub/edge-mirror/internal/config"
	"github.com/any-hub/edge-mirror/internal/dispatch"
	"github.com/any-hub/edge-mirror/internal/logging"
	"github.com/any-hub/edge-mirror/internal/proxy"
	"github.com/any-hub/edge-mirror/internal/server"
	"github.com/any-hub/edge-mirror/internal/server/routes"
	"github.com/any-hub/edge-mirror/internal/tunnel"
	"github.com/any-hub/edge-mirror/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
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
		fields["mirrors"] = config.MirrorNames(cfg.Mirrors)
		fields["pages"] = len(cfg.Pages)
		fields["tunnel"] = cfg.Global.TunnelEnabled()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	handler, err := buildHandler(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	logStartup(cfg, opts.configPath, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := dispatch.NewServer(handler, logger)
	if err := srv.ListenAndServe(ctx, cfg.Global.ListenAddr()); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildHandler 按“配置 → 镜像注册表 → 内存缓存 → Fiber 应用 → 调度器”的顺序组装，
// 所有请求共享同一份缓存与上游 client。
func buildHandler(cfg *config.Config, logger *logrus.Logger) (http.Handler, error) {
	registry, err := server.NewMirrorRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建镜像注册表失败: %w", err)
	}

	store := cache.NewMemoryStore(cfg.Global.CacheTTL.DurationValue())
	client := server.NewUpstreamClient(cfg.Global)
	mirror := proxy.NewHandler(client, logger, store, registry,
		proxy.WithBinaryExtensions(cfg.Global.BinaryExtensions),
		proxy.WithRetries(cfg.Global.MaxRetries, cfg.Global.InitialBackoff.DurationValue()),
	)

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Mirror: mirror,
		Global: cfg.Global,
		Pages:  cfg.Pages,
		Mount: func(app *fiber.App) {
			routes.RegisterMirrorRoutes(app, registry, store)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("构建应用失败: %w", err)
	}

	collaborator, err := buildCollaborator(cfg.Global, logger)
	if err != nil {
		return nil, err
	}

	appHandler := dispatch.WithAccessLog(adaptor.FiberApp(app), logger)
	return dispatch.New(collaborator, appHandler, logger), nil
}

func buildCollaborator(g config.GlobalConfig, logger *logrus.Logger) (tunnel.Collaborator, error) {
	if !g.TunnelEnabled() {
		return tunnel.Disabled{}, nil
	}
	relay, err := tunnel.NewRelay(g.TunnelPrefix, g.TunnelBackend, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化隧道失败: %w", err)
	}
	return relay, nil
}

func logStartup(cfg *config.Config, configPath string, logger *logrus.Logger) {
	fields := logging.BaseFields("startup", configPath)
	fields["listen"] = cfg.Global.ListenAddr()
	fields["mirrors"] = config.MirrorNames(cfg.Mirrors)
	fields["cache_ttl"] = cfg.Global.CacheTTL.DurationValue().String()
	fields["tunnel"] = cfg.Global.TunnelEnabled()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if cfg.Global.Challenge {
		logger.WithFields(logrus.Fields{
			"action": "challenge",
			"users":  cfg.Global.UserNames(),
		}).Info("已开启访问密码保护")
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 EDGE_MIRROR_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("EDGE_MIRROR_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
