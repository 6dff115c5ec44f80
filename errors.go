package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/critiquebrainz/cbauth/security"
	"github.com/critiquebrainz/cbauth/server"
)

// ErrorResponse is the JSON body of every OAuth error response
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// errorStatus maps an OAuth error code to its HTTP status.
func errorStatus(code string) int {
	switch code {
	case server.ErrorCodeInvalidClient,
		server.ErrorCodeAccessDenied,
		server.ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case server.ErrorCodeInsufficientScope:
		return http.StatusForbidden
	case server.ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// errorDescription returns the text sent to the client for err. Sentinel
// errors carry a safe description after the code prefix; anything else is an
// infrastructure failure whose details stay in the logs.
func errorDescription(err error) string {
	if !server.IsClientError(err) {
		return "The server encountered an internal error"
	}
	msg := err.Error()
	for _, sentinel := range []error{
		server.ErrInvalidRequest, server.ErrInvalidClient, server.ErrUnsupportedResponseType,
		server.ErrInvalidRedirectURI, server.ErrInvalidScope, server.ErrInvalidGrant,
		server.ErrUnsupportedGrantType, server.ErrAccessDenied, server.ErrInvalidToken,
		server.ErrInsufficientScope,
	} {
		if errors.Is(err, sentinel) {
			if desc, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
				return desc
			}
			return sentinel.Error()
		}
	}
	return msg
}

// handleError logs err and writes it as an OAuth error response.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	code := server.ErrorCode(err)
	if code == server.ErrorCodeServerError {
		h.logger.Error("Request failed",
			"endpoint", endpoint,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	} else {
		h.logger.Debug("Request rejected",
			"endpoint", endpoint,
			"request_id", security.GetRequestID(r.Context()),
			"error_code", code,
			"error", err)
	}
	h.writeError(w, code, errorDescription(err))
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string) {
	status := errorStatus(code)
	if code == server.ErrorCodeInvalidToken || code == server.ErrorCodeInsufficientScope {
		w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
	}
	h.writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write response", "error", err)
	}
}
