package security

import "net/http"

// noCacheHeaders are set on every OAuth response. Codes and tokens must never
// be stored by browsers or intermediaries.
var noCacheHeaders = map[string]string{
	"Cache-Control": "no-store, no-cache, must-revalidate, private",
	"Pragma":        "no-cache",
	"Expires":       "0",
}

// SetSecurityHeaders sets the no-cache headers and the hardening headers on w.
// hsts enables Strict-Transport-Security and should only be set when the
// server is reached over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, hsts bool) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	if hsts {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
	for k, v := range noCacheHeaders {
		h.Set(k, v)
	}
}
