// cmd/seckill-service/main.go
package main

import (
	"context"
	"strings"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/idgen"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/seckill/application"
	"flashsale/internal/service/seckill/domain/port"
	"flashsale/internal/service/seckill/infrastructure"
	"flashsale/internal/service/seckill/infrastructure/adapter"
	"flashsale/internal/service/seckill/infrastructure/filter"
	"flashsale/internal/service/seckill/infrastructure/rule"
	"flashsale/internal/service/seckill/interfaces"
	"flashsale/internal/zookeeper"

	"go.opentelemetry.io/otel"
)

const serviceName = "seckill-service"

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Init(serviceName, "info")
		logger.Ctx(context.Background()).Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel)
	lg := logger.Ctx(context.Background())
	sc := cfg.Seckill

	var cleanup []func()

	// --- 依赖注入 ---
	tracer := otel.Tracer(serviceName)

	redisClient, err := redis.NewClientWithOptions(redis.Options{
		Addrs:    cfg.Infra.Redis.Addrs,
		Password: cfg.Infra.Redis.Password,
		DB:       cfg.Infra.Redis.DB,
		PoolSize: cfg.Infra.Redis.PoolSize,
	})
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cleanup = append(cleanup, func() { _ = redisClient.Close() })

	db, err := infrastructure.OpenMySQL(infrastructure.MySQLConfig(cfg.Infra.MySQL))
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to open mysql")
	}
	if sqlDB, err := db.DB(); err == nil {
		cleanup = append(cleanup, func() { _ = sqlDB.Close() })
	}

	// 商品锁
	var locks port.LockManager
	switch sc.LockBackend {
	case "zookeeper":
		zkConn, err := zookeeper.Connect(strings.Join(cfg.Infra.Zookeeper.Servers, ","), cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			lg.Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		cleanup = append(cleanup, zkConn.Close)
		zkLocks, err := zookeeper.NewLockManager(zkConn)
		if err != nil {
			lg.Fatal().Err(err).Msg("failed to create zookeeper lock manager")
		}
		locks = zkLocks
	default:
		redisLocks, err := adapter.NewLockRedisAdapter(redisClient)
		if err != nil {
			lg.Fatal().Err(err).Msg("failed to create redis lock adapter")
		}
		locks = redisLocks
	}

	// 存在性过滤器
	var existence port.ExistenceFilter
	switch sc.FilterBackend {
	case "memory":
		existence = filter.NewBloom(sc.FilterExpected, sc.FilterFPRate)
	default:
		existence = adapter.NewFilterRedisAdapter(redisClient, sc.FilterExpected, sc.FilterFPRate)
	}

	cache, err := adapter.NewInventoryRedisAdapter(redisClient)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to create inventory cache")
	}
	staging := adapter.NewStagingRedisAdapter(redisClient)

	items := infrastructure.NewBreakerSaleItemRepository(infrastructure.NewGormSaleItemRepository(db), infrastructure.BreakerConfig{
		ConsecutiveFailures: sc.BreakerFailures,
		OpenTimeout:         sc.BreakerOpenTimeout,
	})
	orders := infrastructure.NewGormOrderRepository(db)

	policy, err := rule.NewCELQuantityPolicy(sc.QuantityRule)
	if err != nil {
		lg.Fatal().Err(err).Msg("invalid quantity rule")
	}
	bootstrap.OnConfigChange(func(next *bootstrap.Config) {
		if err := policy.Update(next.Seckill.QuantityRule); err != nil {
			lg.Error().Err(err).Msg("keeping previous quantity rule")
			return
		}
		lg.Info().Str("rule", policy.Expression()).Msg("quantity rule updated")
	})

	ids, err := idgen.NewSnowflake(cfg.App.WorkerID)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to create id generator")
	}

	brokers := cfg.Infra.Kafka.Brokers
	scheduler := adapter.NewSchedulerKafkaAdapter(brokers, adapter.PaymentTimeoutTopic)
	cleanup = append(cleanup, func() { _ = scheduler.Close() })
	publisher := adapter.NewEventKafkaAdapter(mq.NewKafkaWriter(brokers, adapter.SaleEventsTopic))
	cleanup = append(cleanup, func() { _ = publisher.Close() })

	engine, err := application.NewEngine(locks, existence, cache, staging, ids, policy, tracer, application.EngineConfig{
		LockLease:      sc.LockLease,
		ReservationTTL: sc.ReservationTTL,
		ShadowTTL:      sc.ShadowTTL,
	})
	if err != nil {
		lg.Fatal().Err(err).Msg("invalid engine config")
	}
	compensator := application.NewCompensator(staging, cache, locks, items, orders, publisher, tracer, application.CompensatorConfig{
		LockLease: sc.LockLease,
		LockWait:  sc.LockWait,
		ClaimTTL:  sc.ShadowTTL,
	})
	reconciler := application.NewReconciler(cache, existence, items, tracer, sc.ReconcileInterval, sc.ReconcileConcurrency)

	service := application.NewSeckillApplicationService(application.ServiceDeps{
		Engine:      engine,
		Compensator: compensator,
		Locks:       locks,
		Staging:     staging,
		Cache:       cache,
		Filter:      existence,
		Items:       items,
		Orders:      orders,
		Scheduler:   scheduler,
		Publisher:   publisher,
		Tracer:      tracer,
	}, application.ServiceConfig{
		ReservationTTL:    sc.ReservationTTL,
		ShadowTTL:         sc.ShadowTTL,
		PaymentCheckDelay: sc.PaymentCheckDelay,
		MaxPageSize:       sc.MaxPageSize,
		LockLease:         sc.LockLease,
	})

	// --- 后台任务 ---
	groupID := cfg.Infra.Kafka.GroupID
	dltTopic := adapter.PaymentTimeoutTopic + "-dlt"
	dltWriter := mq.NewKafkaWriter(brokers, dltTopic)
	cleanup = append(cleanup, func() { _ = dltWriter.Close() })

	workers := []bootstrap.Worker{
		interfaces.NewExpirationListener(redisClient, cfg.Infra.Redis.DB, compensator, cfg.Infra.Redis.ConfigureNotifications),
		&bootstrap.Loop{Name: "reconciler", Run: reconciler.Run},
		interfaces.NewTimeoutConsumerAdapter(mq.NewKafkaReader(brokers, adapter.PaymentTimeoutTopic, groupID), dltWriter, service),
		interfaces.NewDltConsumerAdapter(mq.NewKafkaReader(brokers, dltTopic, groupID+"-dlt")),
	}

	handler := interfaces.NewSeckillHandler(service, reconciler, sc.RetryAfter)

	lg.Info().
		Strs("redis", cfg.Infra.Redis.Addrs).
		Strs("kafka", brokers).
		Str("lock_backend", sc.LockBackend).
		Str("filter_backend", sc.FilterBackend).
		Str("quantity_rule", policy.Expression()).
		Msg("seckill service wired")

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		Workers: workers,
		Cleanup: cleanup,
	})
}
