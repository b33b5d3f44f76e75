// Package gateway 是对外入口，把秒杀接口转发到某个 seckill-service 实例。
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"flashsale/internal/pkg/httpclient"
	"flashsale/internal/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var forwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_forward_total",
	Help: "Requests forwarded by the api gateway, by upstream status class.",
}, []string{"status"})

// Resolver 返回一个可用的上游实例地址
type Resolver interface {
	Resolve(ctx context.Context) (host string, port int, err error)
}

// NacosDiscoverer 是 nacos.Client 中服务发现的部分
type NacosDiscoverer interface {
	DiscoverServiceInstance(serviceName string) (string, int, error)
}

// NacosResolver 每次请求都从 Nacos 选择一个健康实例
type NacosResolver struct {
	Discoverer  NacosDiscoverer
	ServiceName string
}

func (r NacosResolver) Resolve(context.Context) (string, int, error) {
	return r.Discoverer.DiscoverServiceInstance(r.ServiceName)
}

// StaticResolver 总是返回固定地址，未启用 Nacos 时使用
type StaticResolver struct {
	Host string
	Port int
}

func (r StaticResolver) Resolve(context.Context) (string, int, error) {
	return r.Host, r.Port, nil
}

// Proxy 转发 /api/v1/seckill/ 下的所有请求
type Proxy struct {
	client   *httpclient.Client
	resolver Resolver
	service  string
}

func NewProxy(client *httpclient.Client, resolver Resolver, service string) *Proxy {
	return &Proxy{client: client, resolver: resolver, service: service}
}

func (p *Proxy) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/seckill/", p)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host, port, err := p.resolver.Resolve(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("service", p.service).Msg("no upstream instance")
		forwardTotal.WithLabelValues("unavailable").Inc()
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}

	target := fmt.Sprintf("http://%s:%d%s", host, port, r.URL.RequestURI())
	resp, err := p.client.Forward(ctx, p.service, r.Method, target, r.Header, r.Body)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("target", target).Msg("forward failed")
		forwardTotal.WithLabelValues("error").Inc()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	forwardTotal.WithLabelValues(strconv.Itoa(resp.StatusCode/100) + "xx").Inc()
}
