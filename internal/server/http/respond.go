package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/service"
	"github.com/mtaalamux/client/pkg/logger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type detailBody struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, detailBody{Detail: msg})
}

// statusFor maps an error kind to the HTTP status the client expects.
func statusFor(k errs.Kind) int {
	switch k {
	case errs.KindUnauthenticated:
		return http.StatusUnauthorized
	case errs.KindNotPermitted:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"detail": ...}. Unclassified errors are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var lock *service.LockoutError
	if errors.As(err, &lock) {
		secs := int(math.Ceil(lock.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		writeDetail(w, http.StatusTooManyRequests, lock.Error())
		return
	}

	kind := errs.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context(), log).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeDetail(w, status, "internal error")
		return
	}
	msg := http.StatusText(status)
	if e, ok := errs.As(err); ok && e.Message != "" {
		msg = e.Message
	}
	writeDetail(w, status, msg)
}
