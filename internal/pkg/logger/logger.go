// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init 配置进程级 zerolog logger，所有服务在 main 中调用一次。
func Init(serviceName, level string) {
	InitWithWriter(os.Stdout, serviceName, level)
}

// InitWithWriter 与 Init 相同，但允许替换输出（测试用）。
func InitWithWriter(w io.Writer, serviceName, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	zlog.Logger = zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
	// 没有挂载 logger 的 context 也能拿到带 service 字段的 logger
	zerolog.DefaultContextLogger = &zlog.Logger
}

// Ctx 返回 context 中的 logger，没有则返回进程级 logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return &zlog.Logger
	}
	return zerolog.Ctx(ctx)
}

// WithFields 把附带字段的子 logger 放入 context，后续 Ctx(ctx) 都会带上这些字段。
func WithFields(ctx context.Context, fields map[string]string) context.Context {
	lc := Ctx(ctx).With()
	for k, v := range fields {
		lc = lc.Str(k, v)
	}
	l := lc.Logger()
	return l.WithContext(ctx)
}
