package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	APISignatureHeader = "X-Signet-Signature"
	APITimestampHeader = "X-Signet-Timestamp"
)

// APIAuthTimestampTolerance bounds clock skew in either direction
const APIAuthTimestampTolerance = 5 * time.Minute

// signingPayload is the canonical byte string an operator signs:
// METHOD \n PATH \n UNIX-SECONDS \n BODY
func signingPayload(method, path string, body []byte, timestamp int64) []byte {
	var buf bytes.Buffer
	buf.Grow(len(method) + len(path) + len(body) + 24)
	buf.WriteString(method)
	buf.WriteByte('\n')
	buf.WriteString(path)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatInt(timestamp, 10))
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

// SignRequest returns the base64 HMAC-SHA256 of the request under secret
func SignRequest(method, path string, body []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(signingPayload(method, path, body, timestamp))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyRequest checks signature against the request and rejects
// timestamps outside APIAuthTimestampTolerance of now
func VerifyRequest(method, path string, body []byte, secret string, timestamp int64, signature string, now time.Time) bool {
	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > APIAuthTimestampTolerance {
		return false
	}

	expected := SignRequest(method, path, body, secret, timestamp)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

func isReadOnlyMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// APIAuthMiddleware guards mutating routes (submit, mine, discard, signer)
// with operator HMAC signatures. Reads always pass. When required is false
// unsigned requests pass, but a signature that is sent must verify.
func APIAuthMiddleware(secret string, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isReadOnlyMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			signature := r.Header.Get(APISignatureHeader)
			switch {
			case signature == "" && !required:
				next.ServeHTTP(w, r)
				return
			case signature == "":
				writeErrorResponse(w, http.StatusUnauthorized, "UNAUTHORIZED", "request signature required")
				return
			case secret == "":
				writeErrorResponse(w, http.StatusUnauthorized, "UNAUTHORIZED", "request signing not configured")
				return
			}

			timestamp, err := strconv.ParseInt(r.Header.Get(APITimestampHeader), 10, 64)
			if err != nil {
				writeErrorResponse(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid request timestamp")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeErrorResponse(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !VerifyRequest(r.Method, r.URL.Path, body, secret, timestamp, signature, time.Now()) {
				logger.Warn("Rejected operator request",
					"method", r.Method, "path", r.URL.Path, "requestId", GetRequestID(r.Context()))
				recordAuthFailure(r.Method)
				writeErrorResponse(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid request signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
