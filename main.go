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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/packready/packready/internal/config"
	"github.com/packready/packready/internal/fetch"
	"github.com/packready/packready/internal/guide"
	"github.com/packready/packready/internal/kvstore"
	"github.com/packready/packready/internal/liveness"
	"github.com/packready/packready/internal/logging"
	"github.com/packready/packready/internal/packstate"
	"github.com/packready/packready/internal/server"
	"github.com/packready/packready/internal/server/routes"
	"github.com/packready/packready/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	refresh     bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stdErr, "加载 .env 失败: %v\n", err)
	}
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
	if hook := logging.NewHoneybadgerHook(cfg.Global.HoneybadgerAPIKey, cfg.Global.Env); hook != nil {
		logger.AddHook(hook)
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["links"] = len(cfg.Links)
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → KV 存储 → 上游客户端 → 各缓存组件 → Fiber server，
	// 所有组件共享同一个存储句柄与 http.Client。
	comps, err := buildComponents(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化组件失败: %v\n", err)
		return 1
	}
	defer comps.close(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.refresh {
		if err := runRefresh(ctx, comps); err != nil {
			fmt.Fprintf(stdErr, "刷新失败: %v\n", err)
			return 1
		}
		return 0
	}

	current := &atomic.Pointer[config.Config]{}
	current.Store(cfg)
	watchConfig(opts.configPath, current, comps, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["links"] = len(cfg.Links)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, current, comps, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("packready", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		refresh    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PACKREADY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&refresh, "refresh", false, "拉取一次指南并强制校验所有链接后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PACKREADY_CONFIG")
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
		refresh:     refresh,
	}, nil
}

// loadDotEnv 读取可选的 .env 文件；文件不存在不算错误，已有环境变量不会被覆盖。
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type components struct {
	store    kvstore.Store
	guide    *guide.Cache
	liveness *liveness.Cache
	pack     *packstate.Store
}

func buildComponents(cfg *config.Config, logger *logrus.Logger) (*components, error) {
	store, err := kvstore.Open(cfg.Global.StoreBackend, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}

	client := fetch.NewClient(cfg.Global.UpstreamTimeout.DurationValue())
	transport := fetch.NewHTTPTransport(client, "packready/"+version.Version)

	guideCache, err := guide.NewCache(guide.Options{
		URL:     cfg.Guide.URL,
		Store:   store,
		Fetcher: fetch.NewFetcher(transport),
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	linkCache, err := liveness.NewCache(liveness.Options{
		Links:          toLinks(cfg.Links),
		TTL:            cfg.Liveness.TTL.DurationValue(),
		MaxConcurrency: cfg.Liveness.MaxConcurrency,
		Store:          store,
		Transport:      transport,
		Logger:         logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pack, err := packstate.NewStore(store, packstate.Options{Logger: logger})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &components{store: store, guide: guideCache, liveness: linkCache, pack: pack}, nil
}

func (c *components) close(logger *logrus.Logger) {
	if err := c.store.Close(); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("关闭存储失败")
	}
}

func toLinks(links []config.LinkConfig) []liveness.Link {
	out := make([]liveness.Link, len(links))
	for i, link := range links {
		out[i] = liveness.Link{ID: link.ID, Title: link.Title, URL: link.URL}
	}
	return out
}

type refreshSummary struct {
	Guide struct {
		Source   string `json:"source"`
		Status   int    `json:"status"`
		ETag     string `json:"etag,omitempty"`
		Sections int    `json:"sections"`
		Degraded string `json:"degraded,omitempty"`
	} `json:"guide"`
	Links struct {
		Source      string    `json:"source"`
		VerifiedAt  time.Time `json:"verifiedAt"`
		Total       int       `json:"total"`
		Unreachable int       `json:"unreachable"`
		Degraded    string    `json:"degraded,omitempty"`
	} `json:"links"`
}

// runRefresh 执行一次指南加载与一次强制链接校验，并输出 JSON 摘要。
func runRefresh(ctx context.Context, comps *components) error {
	result := comps.guide.Load(ctx)
	snapshot := comps.liveness.Load(ctx, true)

	var summary refreshSummary
	summary.Guide.Source = string(result.Source)
	summary.Guide.Status = int(result.Status)
	summary.Guide.ETag = result.ETag
	summary.Guide.Sections = len(result.Document.Sections)
	summary.Guide.Degraded = result.Degraded
	summary.Links.Source = string(snapshot.Source)
	summary.Links.VerifiedAt = snapshot.VerifiedAt
	summary.Links.Total = len(snapshot.Links)
	summary.Links.Unreachable = snapshot.Unreachable()
	summary.Links.Degraded = snapshot.Degraded

	encoder := json.NewEncoder(stdOut)
	encoder.SetIndent("", "  ")
	return encoder.Encode(summary)
}

// watchConfig 热更新链接列表；其余字段需要重启才能生效。
func watchConfig(path string, current *atomic.Pointer[config.Config], comps *components, logger *logrus.Logger) {
	err := config.Watch(path, func(next *config.Config) {
		current.Store(next)
		comps.liveness.SetLinks(toLinks(next.Links))
		fields := logging.BaseFields("config_reload", path)
		fields["links"] = len(next.Links)
		logger.WithFields(fields).Info("配置已重新加载")
	}, func(err error) {
		logger.WithFields(logging.BaseFields("config_reload", path)).
			WithError(err).Warn("配置重新加载失败，继续使用旧配置")
	})
	if err != nil {
		logger.WithFields(logging.BaseFields("config_watch", path)).
			WithError(err).Warn("无法监听配置文件")
	}
}

func startHTTPServer(ctx context.Context, current *atomic.Pointer[config.Config], comps *components, logger *logrus.Logger) error {
	cfg := current.Load()
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Guide:    comps.guide,
		Liveness: comps.liveness,
		Pack:     comps.pack,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, func() routes.StatusInfo {
		live := current.Load()
		return routes.StatusInfo{
			Version:      version.Full(),
			StoreBackend: cfg.Global.StoreBackend,
			GuideURL:     comps.guide.URL(),
			LinkIDs:      live.LinkIDs(),
			TTLSeconds:   int64(comps.liveness.TTL().Seconds()),
		}
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号，关闭服务")
		return app.ShutdownWithTimeout(10 * time.Second)
	}
}
