package oauth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/critiquebrainz/cbauth/security"
	"github.com/critiquebrainz/cbauth/server"
	"github.com/critiquebrainz/cbauth/storage"
)

// Endpoint paths served by Handler
const (
	PathAuthorize = "/authorize"
	PathToken     = "/token"
	PathValidate  = "/validate"
	PathRevoke    = "/revoke"
)

// Handler is a thin HTTP adapter for the authorization service.
// It parses form requests and delegates to the Server for business logic.
type Handler struct {
	server  *server.Server
	config  *Config
	logger  *slog.Logger
	handler http.Handler
}

// NewHandler creates a new HTTP handler serving the OAuth endpoints
func NewHandler(srv *server.Server, config *Config) *Handler {
	cfg := applyDefaults(config)
	h := &Handler{
		server: srv,
		config: cfg,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(PathAuthorize, h.post("authorize", h.ServeAuthorize))
	mux.HandleFunc(PathToken, h.post("token", h.ServeToken))
	mux.HandleFunc(PathValidate, h.post("validate", h.ServeValidate))
	mux.HandleFunc(PathRevoke, h.post("revoke", h.ServeRevoke))

	h.handler = security.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.config.HSTS)
		mux.ServeHTTP(w, r)
	}))
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// post rejects methods other than POST and records request metrics.
func (h *Handler) post(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() { h.recordHTTPMetrics(r.Context(), endpoint, r.Method, rec.status, startTime) }()

		if r.Method != http.MethodPost {
			rec.Header().Set("Allow", http.MethodPost)
			http.Error(rec, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			h.writeError(rec, server.ErrorCodeInvalidRequest, "Failed to parse request")
			return
		}
		next(rec, r)
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

func (h *Handler) validateRequest(r *http.Request) server.ValidateRequest {
	return server.ValidateRequest{
		ClientID:     r.FormValue("client_id"),
		ResponseType: r.FormValue("response_type"),
		RedirectURI:  r.FormValue("redirect_uri"),
		Scope:        r.FormValue("scope"),
		ClientIP:     h.clientIP(r),
	}
}

// ServeValidate checks an authorization request before the consent screen is
// shown and returns the public client description.
func (h *Handler) ServeValidate(w http.ResponseWriter, r *http.Request) {
	info, err := h.server.Validate(r.Context(), h.validateRequest(r))
	if err != nil {
		h.handleError(w, r, "validate", err)
		return
	}
	h.writeJSON(w, http.StatusOK, ValidateResponse{Client: info})
}

// ServeAuthorize issues an authorization code for the user in the request
// context, who has approved the request.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	code, err := h.server.Authorize(r.Context(), server.AuthorizeRequest{
		ValidateRequest: h.validateRequest(r),
		UserID:          userID,
	})
	if err != nil {
		h.handleError(w, r, "authorize", err)
		return
	}
	h.writeJSON(w, http.StatusOK, AuthorizeResponse{Code: code})
}

// ServeToken exchanges an authorization code or refresh token for a token
// pair. Client credentials are read from the form or from HTTP Basic auth.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	clientID, clientSecret := r.FormValue("client_id"), r.FormValue("client_secret")
	if username, password, ok := r.BasicAuth(); ok && clientID == "" {
		clientID, clientSecret = username, password
	}

	resp, err := h.server.Token(r.Context(), server.TokenRequest{
		GrantType:    r.FormValue("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  r.FormValue("redirect_uri"),
		Code:         r.FormValue("code"),
		RefreshToken: r.FormValue("refresh_token"),
		ClientIP:     h.clientIP(r),
	})
	if err != nil {
		h.handleError(w, r, "token", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevoke withdraws the access of a client on behalf of the user in the
// request context.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	if err := h.server.Revoke(r.Context(), r.FormValue("client_id"), userID, h.clientIP(r)); err != nil {
		h.handleError(w, r, "revoke", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequireToken is middleware for resource endpoints. It validates the bearer
// access token, checks it carries every scope in scopes and stores the token
// in the request context.
func (h *Handler) RequireToken(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accessToken, ok := extractBearerToken(r)
			if !ok {
				h.writeError(w, server.ErrorCodeInvalidToken, "Missing or malformed Authorization header")
				return
			}

			token, err := h.server.Authenticate(r.Context(), accessToken, scopes...)
			if err != nil {
				h.handleError(w, r, "resource", err)
				return
			}

			ctx := ContextWithToken(r.Context(), token)
			ctx = ContextWithUserID(ctx, token.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TrustedHeaderAuth is middleware that takes the authenticated user from
// Config.TrustedUserHeader. Deploy it only behind a web application that
// authenticates users and overwrites that header.
func (h *Handler) TrustedHeaderAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := strings.TrimSpace(r.Header.Get(h.config.TrustedUserHeader)); userID != "" {
			r = r.WithContext(ContextWithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

type contextKey string

const (
	userIDKey contextKey = "user_id"
	tokenKey  contextKey = "token"
)

// ContextWithUserID returns a context carrying the authenticated user ID
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext retrieves the authenticated user ID from the request context
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

// ContextWithToken returns a context carrying a validated access token
func ContextWithToken(ctx context.Context, token *storage.Token) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext retrieves the access token validated by RequireToken
func TokenFromContext(ctx context.Context) (*storage.Token, bool) {
	token, ok := ctx.Value(tokenKey).(*storage.Token)
	return token, ok && token != nil
}
