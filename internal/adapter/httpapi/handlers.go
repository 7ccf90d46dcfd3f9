package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type feedbackRequest struct {
	Feedback domain.Feedback `json:"feedback"`
}

// Health 健康检查，数据库不可达时返回 503
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Warn("⚠️ health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TriggerSync POST /api/users/{userID}/sync
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, h.svc.TriggerSync)
}

// TriggerGenerate POST /api/users/{userID}/generate
func (h *Handler) TriggerGenerate(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, h.svc.TriggerGenerate)
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request, start func(context.Context, uint) (domain.JobState, error)) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	state, err := start(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

// JobStatus GET /api/users/{userID}/jobs/{kind}
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	state, err := h.svc.JobStatus(userID, domain.JobKind(chi.URLParam(r, "kind")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Profile GET /api/users/{userID}/profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	profile, err := h.svc.Profile(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Recommendations GET /api/users/{userID}/recommendations?page=&per_page=
func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	page, perPage, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.svc.Recommendations(r.Context(), userID, page, perPage)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Starred GET /api/users/{userID}/starred?page=&per_page=
func (h *Handler) Starred(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	page, perPage, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.svc.Starred(r.Context(), userID, page, perPage)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RateLimit GET /api/users/{userID}/rate-limit
func (h *Handler) RateLimit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	status, err := h.svc.RateLimit(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SetFeedback PUT /api/recommendations/{recommendationID}/feedback
func (h *Handler) SetFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "recommendationID"), "recommendation id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		h.writeError(w, common.WrapError(common.ErrCodeInvalidInput, "request body must be JSON like {\"feedback\":\"positive\"}", err))
		return
	}
	if err := h.svc.SetFeedback(r.Context(), id, req.Feedback); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := parseID(chi.URLParam(r, "userID"), "user id")
	if err != nil {
		h.writeError(w, err)
		return 0, false
	}
	return id, true
}

func parseID(raw, what string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 0)
	if err != nil || id == 0 {
		return 0, common.WrapError(common.ErrCodeInvalidInput, "invalid "+what, err)
	}
	return uint(id), nil
}

// pageParams 缺省值交给服务层归一化，这里只拒绝非数字
func pageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	page, err := optionalInt(q.Get("page"))
	if err != nil {
		return 0, 0, common.WrapError(common.ErrCodeInvalidInput, "page must be a number", err)
	}
	perPage, err := optionalInt(q.Get("per_page"))
	if err != nil {
		return 0, 0, common.WrapError(common.ErrCodeInvalidInput, "per_page must be a number", err)
	}
	return page, perPage, nil
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// statusFor 错误码到 HTTP 状态码的映射
func statusFor(code string) int {
	switch code {
	case common.ErrCodeAlreadyRunning:
		return http.StatusConflict
	case common.ErrCodeNotFound:
		return http.StatusNotFound
	case common.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case common.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case common.ErrCodeInsufficientData:
		return http.StatusUnprocessableEntity
	case common.ErrCodeFetchFailed, common.ErrCodeTransientFetch, common.ErrCodeModelUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := common.CodeOf(err)
	status := statusFor(code)
	msg := common.UserMessage(err)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status, code, msg = http.StatusGatewayTimeout, common.ErrCodeInternal, "request timed out"
	case status == http.StatusInternalServerError:
		// 5xx 不暴露内部细节
		msg = "internal server error"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("❌ request error", zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(data)
}
