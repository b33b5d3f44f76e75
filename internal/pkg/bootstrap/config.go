package bootstrap

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/nacos"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile 是 CONFIG_FILE 未设置时读取的配置文件
const DefaultConfigFile = "configs/seckill-service.yaml"

// Config 是服务的全部配置
type Config struct {
	App     AppConfig     `yaml:"app"`
	Infra   InfraConfig   `yaml:"infra"`
	Seckill SeckillConfig `yaml:"seckill"`
}

type AppConfig struct {
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	WorkerID int64  `yaml:"worker_id"` // 雪花算法机器号，每个实例必须不同
}

type InfraConfig struct {
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Nacos     NacosConfig     `yaml:"nacos"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	PoolSize int      `yaml:"pool_size"`
	// ConfigureNotifications 为 true 时启动时执行 CONFIG SET notify-keyspace-events Ex
	ConfigureNotifications bool `yaml:"configure_notifications"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

type MySQLConfig struct {
	Addr         string        `yaml:"addr"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_life"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
	DataID      string `yaml:"data_id"` // 为空时不从配置中心拉取
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// SeckillConfig 是秒杀业务参数
type SeckillConfig struct {
	LockBackend   string `yaml:"lock_backend"`   // redis | zookeeper
	FilterBackend string `yaml:"filter_backend"` // redis | memory

	LockLease         time.Duration `yaml:"lock_lease"`
	LockWait          time.Duration `yaml:"lock_wait"` // 补偿等待商品锁的最长时间
	ReservationTTL    time.Duration `yaml:"reservation_ttl"`
	ShadowTTL         time.Duration `yaml:"shadow_ttl"`
	PaymentCheckDelay time.Duration `yaml:"payment_check_delay"`
	RetryAfter        time.Duration `yaml:"retry_after"`

	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`
	ReconcileConcurrency int           `yaml:"reconcile_concurrency"`

	MaxPageSize    int     `yaml:"max_page_size"`
	QuantityRule   string  `yaml:"quantity_rule"` // CEL 表达式，可热更新
	FilterExpected int     `yaml:"filter_expected"`
	FilterFPRate   float64 `yaml:"filter_fp_rate"`

	BreakerFailures    uint32        `yaml:"breaker_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

// DefaultConfig 返回本地开发使用的默认值
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Name: "seckill-service", Port: 8080, LogLevel: "info", WorkerID: 1},
		Infra: InfraConfig{
			Redis: RedisConfig{Addrs: []string{"localhost:6379"}, PoolSize: 100, ConfigureNotifications: true},
			Kafka: KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "seckill-service"},
			MySQL: MySQLConfig{
				Addr: "localhost:3306", User: "root", Database: "seckill",
				MaxOpenConns: 50, MaxIdleConns: 10, ConnMaxLife: time.Hour,
			},
			Nacos:     NacosConfig{ServerAddrs: "localhost:8848", Group: nacos.DefaultGroup},
			Zookeeper: ZookeeperConfig{Servers: []string{"localhost:2181"}, SessionTimeout: 10 * time.Second},
		},
		Seckill: SeckillConfig{
			LockBackend:          "redis",
			FilterBackend:        "redis",
			LockLease:            10 * time.Second,
			LockWait:             15 * time.Second,
			ReservationTTL:       5 * time.Minute,
			ShadowTTL:            7 * time.Minute,
			PaymentCheckDelay:    10 * time.Minute,
			RetryAfter:           time.Second,
			ReconcileInterval:    time.Minute,
			ReconcileConcurrency: 8,
			MaxPageSize:          100,
			FilterExpected:       1000,
			FilterFPRate:         0.01,
			BreakerFailures:      5,
			BreakerOpenTimeout:   30 * time.Second,
		},
	}
}

// Validate 检查配置之间的约束
func (c *Config) Validate() error {
	s := c.Seckill
	switch {
	case c.App.Port <= 0:
		return errors.New("app.port must be positive")
	case c.App.WorkerID < 0 || c.App.WorkerID > 1023:
		return errors.Errorf("app.worker_id %d out of range [0, 1023]", c.App.WorkerID)
	case len(c.Infra.Redis.Addrs) == 0:
		return errors.New("infra.redis.addrs must not be empty")
	case len(c.Infra.Kafka.Brokers) == 0:
		return errors.New("infra.kafka.brokers must not be empty")
	case s.LockLease <= 0:
		return errors.New("seckill.lock_lease must be positive")
	case s.ReservationTTL <= 0:
		return errors.New("seckill.reservation_ttl must be positive")
	case s.ShadowTTL <= s.ReservationTTL:
		return errors.Errorf("seckill.shadow_ttl (%s) must be greater than reservation_ttl (%s)", s.ShadowTTL, s.ReservationTTL)
	case s.MaxPageSize <= 0:
		return errors.New("seckill.max_page_size must be positive")
	case s.LockBackend != "redis" && s.LockBackend != "zookeeper":
		return errors.Errorf("seckill.lock_backend %q is not one of redis, zookeeper", s.LockBackend)
	case s.FilterBackend != "redis" && s.FilterBackend != "memory":
		return errors.Errorf("seckill.filter_backend %q is not one of redis, memory", s.FilterBackend)
	case s.FilterFPRate <= 0 || s.FilterFPRate >= 1:
		return errors.Errorf("seckill.filter_fp_rate %v must be within (0, 1)", s.FilterFPRate)
	}
	return nil
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回当前生效的配置快照，调用方不能修改返回值
func GetCurrentConfig() *Config {
	if cfg := currentConfig.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func setCurrentConfig(cfg *Config) {
	currentConfig.Store(cfg)
	notifyWatchers(cfg)
}

var (
	watchersMu sync.Mutex
	watchers   []func(*Config)
)

// OnConfigChange 注册配置热更新回调
func OnConfigChange(fn func(*Config)) {
	watchersMu.Lock()
	defer watchersMu.Unlock()
	watchers = append(watchers, fn)
}

func notifyWatchers(cfg *Config) {
	watchersMu.Lock()
	fns := append([]func(*Config){}, watchers...)
	watchersMu.Unlock()
	for _, fn := range fns {
		fn(cfg)
	}
}

// LoadConfig 依次应用默认值、配置文件、环境变量，校验后设为当前配置
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	path := getEnv("CONFIG_FILE", DefaultConfigFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	case os.IsNotExist(err) && os.Getenv("CONFIG_FILE") == "":
		logger.Ctx(context.Background()).Warn().Str("path", path).Msg("config file not found, using defaults")
	default:
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	setCurrentConfig(cfg)
	return cfg, nil
}

// applyEnv 环境变量优先级最高
func applyEnv(cfg *Config) error {
	if v := getEnv("REDIS_ADDRS", ""); v != "" {
		cfg.Infra.Redis.Addrs = splitCSV(v)
	}
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.Infra.Kafka.Brokers = splitCSV(v)
	}
	if v := getEnv("MYSQL_ADDR", ""); v != "" {
		cfg.Infra.MySQL.Addr = v
	}
	if v := getEnv("MYSQL_PASSWORD", ""); v != "" {
		cfg.Infra.MySQL.Password = v
	}
	if v := getEnv("JAEGER_ENDPOINT", ""); v != "" {
		cfg.Infra.Jaeger.Endpoint = v
	}
	if v := getEnv("NACOS_SERVER_ADDRS", ""); v != "" {
		cfg.Infra.Nacos.ServerAddrs = v
	}
	if v := getEnv("NACOS_NAMESPACE", ""); v != "" {
		cfg.Infra.Nacos.Namespace = v
	}
	if v := getEnv("NACOS_ENABLED", ""); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "invalid NACOS_ENABLED")
		}
		cfg.Infra.Nacos.Enabled = enabled
	}
	if v := getEnv("WORKER_ID", ""); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "invalid WORKER_ID")
		}
		cfg.App.WorkerID = id
	}
	if v := getEnv("PORT", ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid PORT")
		}
		cfg.App.Port = port
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		cfg.App.LogLevel = v
	}
	return nil
}

// WatchRemoteConfig 从 Nacos 配置中心拉取 YAML 覆盖本地配置，并监听后续变更。
// 远端配置不合法时保留当前配置。
func WatchRemoteConfig(client config_client.IConfigClient, dataID, group string) error {
	content, err := client.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return errors.Wrapf(err, "get nacos config %s/%s", group, dataID)
	}
	if err := applyRemote(content); err != nil {
		return err
	}
	return client.ListenConfig(vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(_, _, dataId, data string) {
			lg := logger.Ctx(context.Background())
			if err := applyRemote(data); err != nil {
				lg.Error().Err(err).Str("data_id", dataId).Msg("rejected remote config update")
				return
			}
			lg.Info().Str("data_id", dataId).Msg("✅ Remote config reloaded")
		},
	})
}

func applyRemote(content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	// 在当前配置的副本上覆盖，未出现在远端的字段保持不变
	next := *GetCurrentConfig()
	if err := yaml.Unmarshal([]byte(content), &next); err != nil {
		return errors.Wrap(err, "parse remote config")
	}
	if err := next.Validate(); err != nil {
		return errors.Wrap(err, "invalid remote config")
	}
	setCurrentConfig(&next)
	return nil
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
