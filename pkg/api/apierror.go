// Package api exposes the control plane over HTTP. Errors are reported
// as RFC 7807 problem details with a machine-readable kind member.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Error kinds carried in the `kind` extension member so clients can
// switch on the failure class without parsing detail strings.
const (
	KindGovernanceDenied   = "GovernanceDenied"
	KindValidationFailed   = "ValidationFailed"
	KindBackendUnavailable = "MemoryBackendUnavailable"
	KindNoPortAvailable    = "NoPortAvailable"
	KindQuorumTimeout      = "QuorumTimeout"
	KindNotFound           = "NotFound"
	KindBadRequest         = "BadRequest"
	KindRateLimited        = "RateLimited"
	KindInternal           = "Internal"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format. Kind is an extension member.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// Kind is the machine-readable failure class.
	Kind string `json:"kind,omitempty"`
	// TraceID links the response to the request log line.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 response enriched with request
// context.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, kind, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://grace-platform.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
		Kind:   kind,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, KindBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusNotFound, KindNotFound, "Not Found", detail)
}

// WriteGovernanceDenied writes a 403 with the GovernanceDenied kind.
func WriteGovernanceDenied(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusForbidden, KindGovernanceDenied, "Governance Denied", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, KindRateLimited, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", safePath(r), "error", err)
	WriteProblem(w, r, http.StatusInternalServerError, KindInternal, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

func safePath(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.URL.Path
}
