package ipc

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/odvcencio/chartshot/pkg/errors"
)

// queryInt reads a positive integer query parameter, def otherwise.
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSONHeaders(w http.ResponseWriter, status int) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
}

func respondJSON(w http.ResponseWriter, payload any) {
	writeJSONHeaders(w, http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// errorBody is the JSON shape of every non-JSON-RPC error response.
type errorBody struct {
	Error       string   `json:"error"`
	Status      int      `json:"status"`
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message"`
	Details     string   `json:"details,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
	Retryable   bool     `json:"retryable,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

func newErrorBody(status int, err error) errorBody {
	body := errorBody{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if appErr, ok := apperrors.As(err); ok {
		body.Code = string(appErr.Code)
		body.Message = firstNonEmpty(appErr.UserMessage, appErr.Message, body.Message)
		body.Remediation = append(body.Remediation, appErr.Remediation...)
		body.Retryable = appErr.Retryable
		body.Details = appErr.Error()
	} else if err != nil {
		body.Message = err.Error()
		body.Details = err.Error()
	}
	if len(body.Remediation) == 0 {
		body.Remediation = remediationFor(apperrors.ErrorCode(body.Code), status)
	}
	body.Error = body.Message
	return body
}

// respondError writes err as an errorBody.
func respondError(w http.ResponseWriter, status int, err error) {
	writeJSONHeaders(w, status)
	_ = json.NewEncoder(w).Encode(newErrorBody(status, err))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// remediationFor suggests next steps for an error code, falling back to
// the HTTP status.
func remediationFor(code apperrors.ErrorCode, status int) []string {
	switch code {
	case apperrors.ErrCodeBrowserLaunch:
		return []string{
			"Check that Chrome or Chromium is installed, or set capture.exec_path.",
			"Retry once the browser can start on this host.",
		}
	case apperrors.ErrCodeNavigationFailure:
		return []string{
			"Verify the host can reach the chart widget URL.",
			"Raise capture.navigation_timeout on slow networks.",
		}
	case apperrors.ErrCodeCaptureFailure, apperrors.ErrCodeArtifactWrite:
		return []string{"Ensure the screenshots directory is writable and not full."}
	case apperrors.ErrCodeStorageRead, apperrors.ErrCodeStorageWrite:
		return []string{
			"Ensure the capture history database is writable.",
			"Restart chartshot if the SQLite database was locked.",
		}
	case apperrors.ErrCodeRateLimited:
		return []string{"Wait a few seconds before retrying."}
	case apperrors.ErrCodeMalformedRequest:
		return nil
	}

	switch status {
	case http.StatusNotFound:
		return []string{"Verify the resource name in the request URL."}
	case http.StatusServiceUnavailable:
		return []string{"Enable the feature in the chartshot config and restart."}
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusForbidden:
		return nil
	}
	return []string{"Check chartshot's logs and retry the request."}
}

// requestBaseURL is the origin a client used to reach the server, honoring
// X-Forwarded-Proto from a TLS-terminating proxy.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host
}
