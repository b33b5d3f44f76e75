// cmd/api-gateway/main.go
package main

import (
	"context"
	"os"
	"strconv"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/httpclient"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/gateway"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

const (
	serviceName     = "api-gateway"
	upstreamService = "seckill-service"
)

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Init(serviceName, "info")
		logger.Ctx(context.Background()).Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel)

	client := httpclient.NewClient(otel.Tracer(serviceName))

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			var resolver gateway.Resolver
			if appCtx.Nacos != nil {
				resolver = gateway.NacosResolver{Discoverer: appCtx.Nacos, ServiceName: upstreamService}
			} else {
				port, _ := strconv.Atoi(getEnv("SECKILL_SERVICE_PORT", "8080"))
				resolver = gateway.StaticResolver{Host: getEnv("SECKILL_SERVICE_HOST", "localhost"), Port: port}
			}
			gateway.NewProxy(client, resolver, upstreamService).RegisterRoutes(appCtx.Mux)
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
		},
	})
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
