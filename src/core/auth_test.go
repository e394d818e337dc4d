package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testAuthSecret = "operator-secret"

func TestSignRequestCoversEveryField(t *testing.T) {
	const ts = int64(1760000000)
	body := []byte(`{"signer":"SP1"}`)
	base := SignRequest("POST", "/api/mine", body, testAuthSecret, ts)

	if base != SignRequest("POST", "/api/mine", body, testAuthSecret, ts) {
		t.Fatal("Expected deterministic signatures")
	}

	variants := map[string]string{
		"method":    SignRequest("PUT", "/api/mine", body, testAuthSecret, ts),
		"path":      SignRequest("POST", "/api/mine/batch", body, testAuthSecret, ts),
		"body":      SignRequest("POST", "/api/mine", []byte(`{"signer":"SP2"}`), testAuthSecret, ts),
		"timestamp": SignRequest("POST", "/api/mine", body, testAuthSecret, ts+1),
		"secret":    SignRequest("POST", "/api/mine", body, "other", ts),
	}
	for field, sig := range variants {
		if sig == base {
			t.Errorf("Changing %s did not change the signature", field)
		}
	}
}

func TestVerifyRequest(t *testing.T) {
	now := time.Unix(1760000000, 0)
	body := []byte(`{"amount":"5"}`)
	sign := func(ts time.Time) string {
		return SignRequest("POST", "/api/transactions", body, testAuthSecret, ts.Unix())
	}

	tests := []struct {
		name string
		ts   time.Time
		sig  string
		body []byte
		path string
		want bool
	}{
		{"valid", now, sign(now), body, "/api/transactions", true},
		{"four minutes old", now.Add(-4 * time.Minute), sign(now.Add(-4 * time.Minute)), body, "/api/transactions", true},
		{"four minutes ahead", now.Add(4 * time.Minute), sign(now.Add(4 * time.Minute)), body, "/api/transactions", true},
		{"six minutes old", now.Add(-6 * time.Minute), sign(now.Add(-6 * time.Minute)), body, "/api/transactions", false},
		{"six minutes ahead", now.Add(6 * time.Minute), sign(now.Add(6 * time.Minute)), body, "/api/transactions", false},
		{"garbage signature", now, "not-base64", body, "/api/transactions", false},
		{"tampered body", now, sign(now), []byte(`{"amount":"500"}`), "/api/transactions", false},
		{"other path", now, sign(now), body, "/api/mine", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VerifyRequest("POST", tt.path, tt.body, testAuthSecret, tt.ts.Unix(), tt.sig, now)
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func signedRequest(method, path string, body []byte, secret string, ts int64) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(APISignatureHeader, SignRequest(method, path, body, secret, ts))
	req.Header.Set(APITimestampHeader, strconv.FormatInt(ts, 10))
	return req
}

func TestAPIAuthMiddleware(t *testing.T) {
	body := []byte(`{"signer":"SP1"}`)
	now := time.Now().Unix()

	unsigned := func(method string) *http.Request {
		return httptest.NewRequest(method, "/api/signer", bytes.NewReader(body))
	}
	withHeaders := func(sig, ts string) *http.Request {
		req := unsigned("PUT")
		req.Header.Set(APISignatureHeader, sig)
		req.Header.Set(APITimestampHeader, ts)
		return req
	}

	tests := []struct {
		name     string
		secret   string
		required bool
		req      *http.Request
		want     int
	}{
		{"open node passes unsigned", "", false, unsigned("PUT"), http.StatusOK},
		{"required rejects unsigned", testAuthSecret, true, unsigned("PUT"), http.StatusUnauthorized},
		{"required rejects unsigned delete", testAuthSecret, true, unsigned("DELETE"), http.StatusUnauthorized},
		{"reads always pass", testAuthSecret, true, unsigned("GET"), http.StatusOK},
		{"valid signature", testAuthSecret, true, signedRequest("PUT", "/api/signer", body, testAuthSecret, now), http.StatusOK},
		{"wrong secret", testAuthSecret, true, signedRequest("PUT", "/api/signer", body, "guess", now), http.StatusUnauthorized},
		{"stale signature", testAuthSecret, true, signedRequest("PUT", "/api/signer", body, testAuthSecret, now-600), http.StatusUnauthorized},
		{"non-numeric timestamp", testAuthSecret, true, withHeaders("abc", "yesterday"), http.StatusUnauthorized},
		{"optional still verifies", testAuthSecret, false, withHeaders("bogus", strconv.FormatInt(now, 10)), http.StatusUnauthorized},
		{"signature without secret", "", false, withHeaders("bogus", strconv.FormatInt(now, 10)), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := APIAuthMiddleware(tt.secret, tt.required)(okHandler())
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, tt.req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if tt.want == http.StatusUnauthorized {
				if code := errorCode(t, w); code != "UNAUTHORIZED" {
					t.Errorf("Expected UNAUTHORIZED, got %s", code)
				}
			}
		})
	}
}

func TestAPIAuthMiddlewareRestoresBody(t *testing.T) {
	body := []byte(`{"signer":"SP1"}`)
	var seen []byte
	handler := APIAuthMiddleware(testAuthSecret, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), signedRequest("PUT", "/api/signer", body, testAuthSecret, time.Now().Unix()))

	if !bytes.Equal(seen, body) {
		t.Errorf("Expected handler to read %q, got %q", body, seen)
	}
}

func TestAPIAuthMiddlewareCountsFailures(t *testing.T) {
	counter := authFailuresTotal.WithLabelValues("POST")
	before := testutil.ToFloat64(counter)

	handler := APIAuthMiddleware(testAuthSecret, true)(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), signedRequest("POST", "/api/mine/batch", nil, "wrong", time.Now().Unix()))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("Expected one recorded failure, got %v", got)
	}
}
