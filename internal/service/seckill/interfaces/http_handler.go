package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/seckill/application"
	"flashsale/internal/service/seckill/domain"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Reconciler 是管理接口手动触发对账所需的能力
type Reconciler interface {
	Reconcile(ctx context.Context) (*application.ReconcileReport, error)
}

// SeckillHandler 封装了秒杀服务的 HTTP 处理器
type SeckillHandler struct {
	service    *application.SeckillApplicationService
	reconciler Reconciler
	retryAfter time.Duration
}

// NewSeckillHandler 创建一个新的 HTTP 处理器实例，retryAfter 用于 429 响应的 Retry-After 头
func NewSeckillHandler(service *application.SeckillApplicationService, reconciler Reconciler, retryAfter time.Duration) *SeckillHandler {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return &SeckillHandler{service: service, reconciler: reconciler, retryAfter: retryAfter}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *SeckillHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("POST /api/v1/seckill/purchase", withTrace(h.purchase))
	mux.Handle("POST /api/v1/seckill/pay", withTrace(h.pay))
	mux.Handle("GET /api/v1/seckill/goods", withTrace(h.listGoods))
	mux.Handle("GET /api/v1/seckill/goods/{id}", withTrace(h.getGoods))
	mux.Handle("GET /api/v1/seckill/reservations/{id}", withTrace(h.getReservation))

	mux.Handle("POST /admin/seckill/goods", withTrace(h.upsertGoods))
	mux.Handle("POST /admin/seckill/reconcile", withTrace(h.reconcile))
}

func (h *SeckillHandler) purchase(w http.ResponseWriter, r *http.Request) {
	var req application.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	resp, err := h.service.AttemptPurchase(r.Context(), &req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *SeckillHandler) pay(w http.ResponseWriter, r *http.Request) {
	var req application.PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReservationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", errors.New("reservationId is required"))
		return
	}
	resp, err := h.service.ConfirmPayment(r.Context(), &req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SeckillHandler) listGoods(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", 20)
	resp, err := h.service.ListActiveSaleItems(r.Context(), page, size)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SeckillHandler) getGoods(w http.ResponseWriter, r *http.Request) {
	goodsID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	resp, err := h.service.FindSaleItem(r.Context(), goodsID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SeckillHandler) getReservation(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.FindReservation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SeckillHandler) upsertGoods(w http.ResponseWriter, r *http.Request) {
	var item domain.SaleItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.service.UpsertSaleItem(r.Context(), &item); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToSaleItemResponse(&item))
}

func (h *SeckillHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Reconcile(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &application.ReconcileResponse{
		Pushed:     report.Pushed,
		PushFailed: report.PushFailed,
		Active:     report.Active,
		Duration:   report.Duration,
	})
}

// StatusFor 把领域错误映射到 HTTP 状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrContention):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotOnSale), errors.Is(err, domain.ErrUnknownOrExpiredReservation):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSoldOut):
		return http.StatusConflict
	case errors.Is(err, domain.ErrOutsideWindow):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidSaleItem), errors.Is(err, application.ErrInvalidPage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *SeckillHandler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	code := domain.Outcome(err)
	if errors.Is(err, application.ErrInvalidPage) {
		code = "invalid_page"
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Round(time.Second)/time.Second)))
	}
	if status == http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		// 内部错误不向客户端暴露细节
		err = errors.New("internal error")
	}
	writeError(w, status, code, err)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// withTrace 从请求头恢复上游 span，并把 trace_id 放入 logger
func withTrace(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer("seckill-service").Start(ctx, r.Method+" "+r.Pattern, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ctx = logger.WithFields(ctx, map[string]string{"trace_id": span.SpanContext().TraceID().String()})
		next(w, r.WithContext(ctx))
	})
}
