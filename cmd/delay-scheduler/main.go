// cmd/delay-scheduler/main.go
package main

import (
	"context"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/delayqueue"
	"flashsale/internal/service/seckill/domain"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

const serviceName = "delay-scheduler"

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Init(serviceName, "info")
		logger.Ctx(context.Background()).Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel)

	brokers := cfg.Infra.Kafka.Brokers
	tracer := otel.Tracer(serviceName)
	// 转发时由每条消息指定真实主题
	writer := mq.NewKafkaWriter(brokers, "")

	// 为每个延迟级别启动一个独立的调度器
	workers := make([]bootstrap.Worker, 0, len(domain.DelayLevels))
	for _, level := range domain.DelayLevels {
		reader := mq.NewKafkaReader(brokers, level.Topic(), serviceName+"-group-"+level.Name)
		workers = append(workers, delayqueue.NewScheduler(level, reader, writer, tracer, 0))
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
		},
		Workers: workers,
		Cleanup: []func(){func() { _ = writer.Close() }},
	})
}
