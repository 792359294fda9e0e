// Package retry classifies upstream failures and re-runs failed attempts with
// exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/helixir/paper-search-gateway/internal/domain"
)

// Status is the verdict on a single attempt.
type Status int

const (
	// Success means the attempt returned no error.
	Success Status = iota
	// RetryableFailure means the attempt may succeed if repeated.
	RetryableFailure
	// FatalFailure means repeating the attempt cannot help.
	FatalFailure
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorKind names the category of a failure for logs and metrics.
type ErrorKind string

// Error kinds reported in Outcome.
const (
	KindNone        ErrorKind = ""
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server"
	KindClient      ErrorKind = "client"
	KindCancelled   ErrorKind = "cancelled"
	KindUnknown     ErrorKind = "unknown"
)

// Outcome is the classification of one attempt.
type Outcome struct {
	Status     Status
	Kind       ErrorKind
	StatusCode int
	// SuggestedDelay is the server's retry hint, set only for 429 responses that carried one.
	SuggestedDelay time.Duration
}

// Retryable reports whether the outcome is a retryable failure.
func (o Outcome) Retryable() bool {
	return o.Status == RetryableFailure
}

// retryableStatus lists the HTTP statuses that are worth repeating.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryableStatus reports whether an HTTP status code is retryable.
func IsRetryableStatus(code int) bool {
	return retryableStatus[code]
}

// Classify maps an attempt error to an Outcome.
//
// A failure is retryable when it never produced a response (connection reset or
// refused, timeout, truncated body) or when it carries one of the statuses 408,
// 429, 500, 502, 503 or 504. Every other error is fatal.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Status: Success}
	}

	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode != 0 {
		return classifyStatus(upstream)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Outcome{Status: FatalFailure, Kind: KindCancelled}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return Outcome{Status: RetryableFailure, Kind: KindTimeout}
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return Outcome{Status: RetryableFailure, Kind: KindNetwork}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Outcome{Status: RetryableFailure, Kind: KindTimeout}
		}
		return Outcome{Status: RetryableFailure, Kind: KindNetwork}
	}

	// An upstream error without a status never got a response.
	if upstream != nil {
		return Outcome{Status: RetryableFailure, Kind: KindNetwork}
	}

	return Outcome{Status: FatalFailure, Kind: KindUnknown}
}

func classifyStatus(e *domain.UpstreamError) Outcome {
	out := Outcome{StatusCode: e.StatusCode}
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		out.Status = RetryableFailure
		out.Kind = KindRateLimited
		if e.RetryAfter > 0 {
			out.SuggestedDelay = e.RetryAfter
		}
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusGatewayTimeout:
		out.Status = RetryableFailure
		out.Kind = KindTimeout
	case IsRetryableStatus(e.StatusCode):
		out.Status = RetryableFailure
		out.Kind = KindServer
	case e.StatusCode >= 500:
		out.Status = FatalFailure
		out.Kind = KindServer
	default:
		out.Status = FatalFailure
		out.Kind = KindClient
	}
	return out
}
