package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/alanyoungcy/shieldmarket/internal/crypto"
)

// maxBodyBytes bounds the request body read for signature verification.
const maxBodyBytes = 1 << 20

// HMAC returns middleware that verifies the X-Signature/X-Timestamp headers
// over METHOD\nPATH\nTIMESTAMP\nBODY. Paths listed in public pass through.
// A nil auth disables verification.
func HMAC(auth *crypto.HMACAuth, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil || open[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
				r.Body.Close()
				if err != nil {
					writeJSONError(w, http.StatusBadRequest, "unreadable body")
					return
				}
				if len(body) > maxBodyBytes {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			err := auth.Verify(
				r.Method,
				r.URL.EscapedPath(),
				r.Header.Get(crypto.HeaderTimestamp),
				r.Header.Get(crypto.HeaderSignature),
				body,
			)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
