package guard

import (
	"context"
	"net/http"
	"time"

	"github.com/phan28395/PDFTEXT-sub002/internal/httputil"
	"github.com/phan28395/PDFTEXT-sub002/internal/ratelimit"
)

// AdmissionChecker is the subset of Service used by Admission.
type AdmissionChecker interface {
	Check(ctx context.Context, req Request) ratelimit.Decision
	Complete(ctx context.Context, c Completion)
}

// AdmissionOption configures the Admission middleware.
type AdmissionOption func(*admission)

type admission struct {
	checker  AdmissionChecker
	policy   string
	identity func(*http.Request) string
	account  func(*http.Request) string
	failed   func(status int) bool
}

// WithIdentity overrides how the rate limited identity is derived. The
// client IP is used by default.
func WithIdentity(fn func(*http.Request) string) AdmissionOption {
	return func(a *admission) { a.identity = fn }
}

// WithAccount derives the account checked against suspensions.
func WithAccount(fn func(*http.Request) string) AdmissionOption {
	return func(a *admission) { a.account = fn }
}

// WithFailure decides which response statuses count as failed requests.
// By default any status of 400 or above does.
func WithFailure(fn func(status int) bool) AdmissionOption {
	return func(a *admission) { a.failed = fn }
}

// Admission checks every request against policy before calling next. Rejected
// requests get 429 with Retry-After; admitted ones carry X-RateLimit-*
// headers and report their outcome on completion.
func Admission(checker AdmissionChecker, policy string, opts ...AdmissionOption) func(http.Handler) http.Handler {
	a := &admission{
		checker:  checker,
		policy:   policy,
		identity: httputil.GetClientIP,
		failed:   func(status int) bool { return status >= http.StatusBadRequest },
	}
	for _, opt := range opts {
		opt(a)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := Request{
				Identity: a.identity(r),
				Policy:   a.policy,
				Method:   r.Method,
				Target:   r.URL.RequestURI(),
				Protocol: r.Proto,
				Host:     r.Host,
				Headers:  r.Header,
				BodySize: r.ContentLength,
			}
			if a.account != nil {
				req.AccountID = a.account(r)
			}

			dec := a.checker.Check(r.Context(), req)
			dec.SetHeaders(w.Header())
			if !dec.Allowed {
				httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":               dec.Reason,
					"retry_after_seconds": dec.RetryAfterSeconds(),
				})
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			a.checker.Complete(r.Context(), Completion{
				Identity:     req.Identity,
				Policy:       a.policy,
				ResponseTime: time.Since(start),
				Failed:       a.failed(sw.status),
			})
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
