package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/nacos"
	"flashsale/internal/tracing"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
)

// Worker 是随服务启停的后台任务，例如 kafka 消费者和对账循环
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

type AppCtx struct {
	Mux    *http.ServeMux
	Nacos  *nacos.Client // 未启用 Nacos 时为 nil
	Config *Config
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 允许每个服务注册自己独特的 HTTP 路由
	Workers          []Worker            // 按顺序启动，逆序停止
	Cleanup          []func()            // 所有组件停止后逆序执行，用于关闭连接
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	ctx := context.Background()
	lg := logger.Ctx(ctx)
	cfg := GetCurrentConfig()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. Nacos 注册与配置中心（可选）
	var (
		namingClient *nacos.Client
		configClient config_client.IConfigClient
		ip           string
	)
	if cfg.Infra.Nacos.Enabled {
		namingClient, configClient, ip = connectNacos(cfg, info)
	}

	// 3. 后台任务
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	started := make([]Worker, 0, len(info.Workers))
	for _, w := range info.Workers {
		if err := w.Start(workerCtx); err != nil {
			lg.Fatal().Err(err).Msgf("failed to start worker %T", w)
		}
		started = append(started, w)
	}

	// 4. HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: namingClient, Config: cfg})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		lg.Info().Msgf("%s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal().Err(err).Msgf("could not listen on %s", server.Addr)
		}
	}()

	// 5. 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	lg.Info().Msgf("Shutting down service %s...", info.ServiceName)

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	// 按启动的逆序清理
	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			lg.Error().Err(err).Msg("Error deregistering from Nacos")
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("Error shutting down http server")
	} else {
		lg.Info().Msg("HTTP server shut down.")
	}

	cancelWorkers()
	for i := len(started) - 1; i >= 0; i-- {
		started[i].Stop(shutdownCtx)
	}

	for i := len(info.Cleanup) - 1; i >= 0; i-- {
		info.Cleanup[i]()
	}

	if configClient != nil {
		configClient.CloseClient()
	}
	if namingClient != nil {
		namingClient.Close()
	}

	// 确保所有缓冲的 trace 都被发送出去
	if err := tp.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("Error shutting down tracer provider")
	} else {
		lg.Info().Msg("Tracer provider shut down.")
	}

	lg.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}

func connectNacos(cfg *Config, info AppInfo) (*nacos.Client, config_client.IConfigClient, string) {
	lg := logger.Ctx(context.Background())
	nc := cfg.Infra.Nacos

	serverConfigs, err := nacos.ParseServerConfigs(nc.ServerAddrs)
	if err != nil {
		lg.Fatal().Err(err).Msg("Invalid Nacos server address format")
	}
	clientConfig := nacos.NewClientConfig(nc.Namespace)

	var configClient config_client.IConfigClient
	if nc.DataID != "" {
		configClient, err = nacos.NewConfigClient(serverConfigs, &clientConfig)
		if err != nil {
			lg.Fatal().Err(err).Msg("failed to initialize nacos config client")
		}
		if err := WatchRemoteConfig(configClient, nc.DataID, nc.Group); err != nil {
			lg.Fatal().Err(err).Msg("failed to load remote config")
		}
	}

	namingClient, err := nacos.NewNacosClientWithConfigs(serverConfigs, &clientConfig, nc.Group)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to initialize nacos client")
	}
	ip, err := getOutboundIP()
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to get outbound IP address")
	}
	if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
		lg.Fatal().Err(err).Msg("failed to register service with nacos")
	}
	return namingClient, configClient, ip
}

// getOutboundIP 返回访问外网时使用的本机地址，UDP Dial 不会真正发包
func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// Loop 把一个阻塞到 ctx 取消的函数包装成 Worker
type Loop struct {
	Name string
	Run  func(ctx context.Context)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (l *Loop) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.Run(ctx)
	}()
	return nil
}

func (l *Loop) Stop(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	logger.Ctx(ctx).Info().Str("worker", l.Name).Msg("✅ Worker stopped.")
}
