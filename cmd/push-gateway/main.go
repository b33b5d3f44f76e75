// cmd/push-gateway/main.go
package main

import (
	"context"
	"net/http"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/push"
	"flashsale/internal/service/seckill/infrastructure/adapter"

	"github.com/google/uuid"
)

const serviceName = "push-gateway"

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Init(serviceName, "info")
		logger.Ctx(context.Background()).Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel)

	nodeID := serviceName + "-" + uuid.New().String()[:8]
	hub := push.NewHub(nodeID)
	// 每个节点独立消费组，保证所有节点都收到全部事件
	reader := mq.NewKafkaReader(cfg.Infra.Kafka.Brokers, adapter.SaleEventsTopic, nodeID)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/ws", hub.ServeWs)
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		},
		Workers: []bootstrap.Worker{push.NewEventConsumer(reader, hub)},
	})
}
