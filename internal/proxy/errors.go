package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tomhaye/vaultsync/internal/scheduler"
	"github.com/tomhaye/vaultsync/internal/store"
	"github.com/tomhaye/vaultsync/internal/workflow"
)

// ErrorKind is the closed set of wire error kinds. Clients branch on kind;
// raw backend errors never cross the proxy boundary.
type ErrorKind string

const (
	KindBadRequest     ErrorKind = "bad_request"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindNotFound       ErrorKind = "not_found"
	KindStorage        ErrorKind = "storage"
	KindNotReady       ErrorKind = "not_ready"
	KindShuttingDown   ErrorKind = "shutting_down"
	KindBackpressure   ErrorKind = "backpressure"
	KindWorkflowFailed ErrorKind = "workflow_failed"
	KindRatelimited    ErrorKind = "ratelimited"
	KindTimeout        ErrorKind = "timeout"
	KindInternal       ErrorKind = "internal"
)

// wireError is the JSON error envelope returned on every failure.
type wireError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// RatelimitReason explains why a request was rate limited.
type RatelimitReason string

const (
	ReasonRemainingLimitExceeded RatelimitReason = "remaining_limit_exceeded"
	ReasonUnknown                RatelimitReason = "unknown"
)

// RatelimitError carries the advisory backoff headers for the caller.
type RatelimitError struct {
	Reason    RatelimitReason
	Remaining int
	Limit     int
	Reset     time.Time
}

func (e *RatelimitError) Error() string {
	return fmt.Sprintf("rate limited (%s): %d/%d remaining, resets %s",
		e.Reason, e.Remaining, e.Limit, e.Reset.UTC().Format(time.RFC3339))
}

// IsRatelimit reports whether err is a RatelimitError.
func IsRatelimit(err error) bool {
	var re *RatelimitError
	return errors.As(err, &re)
}

// classify maps an internal failure onto its wire kind, HTTP status, and
// retryability. Business-rule failures (quota, not-found, lifecycle) are not
// retryable; transient transport and capacity failures are.
func classify(err error) (ErrorKind, int, bool) {
	var ratelimit *RatelimitError
	switch {
	case errors.Is(err, store.ErrBatchNotOrdered), errors.Is(err, store.ErrInvalidOrigin):
		return KindBadRequest, http.StatusBadRequest, false
	case store.IsQuotaExceeded(err):
		return KindQuotaExceeded, http.StatusInsufficientStorage, false
	case store.IsNotFound(err):
		return KindNotFound, http.StatusNotFound, false
	case store.IsStorageError(err):
		return KindStorage, http.StatusServiceUnavailable, true
	case scheduler.IsNotReady(err):
		return KindNotReady, http.StatusServiceUnavailable, true
	case scheduler.IsShuttingDown(err):
		return KindShuttingDown, http.StatusServiceUnavailable, true
	case scheduler.IsBackpressure(err):
		return KindBackpressure, http.StatusTooManyRequests, true
	case workflow.IsFailed(err):
		return KindWorkflowFailed, http.StatusConflict, false
	case errors.As(err, &ratelimit):
		return KindRatelimited, http.StatusTooManyRequests, true
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout, http.StatusGatewayTimeout, true
	default:
		return KindInternal, http.StatusInternalServerError, true
	}
}
