package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	rec := do(t, api, http.MethodGet, "/healthz", "", nil)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	api := newTestAPI(t)
	rec := do(t, api, http.MethodOptions, "/api/v1/orders", "", nil)

	expectStatus(t, rec, http.StatusNoContent)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected configured origin, got %q", got)
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	api := newTestAPI(t)

	rec := do(t, api, http.MethodGet, "/api/v1/shifts/active", "", nil)
	expectStatus(t, rec, http.StatusUnauthorized)
	expectCode(t, rec, "unauthorized")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/shifts/active", nil)
	req.Header.Set("Authorization", "Basic YWRtaW46YWRtaW4=")
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	expectStatus(t, res, http.StatusUnauthorized)
}

func TestRepeatedBadTokensAreThrottled(t *testing.T) {
	api := newTestAPI(t)

	for i := 0; i < 21; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/shifts/active", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		api.Handler().ServeHTTP(res, req)

		if i < 20 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 20 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 21 expected 429, got %d", res.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "cashier-a")
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"register_ref":"%s"}`, veryLong)

	rec := do(t, api, http.MethodPost, "/api/v1/shifts", token, body)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestWrongMethodIsRejected(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "cashier-a")

	rec := do(t, api, http.MethodPut, "/api/v1/orders", token, nil)
	expectStatus(t, rec, http.StatusMethodNotAllowed)
}

func TestInternalErrorsAreMasked(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()

	api.writeServiceError(rec, errors.New(`pq: relation "orders" does not exist`))

	expectStatus(t, rec, http.StatusInternalServerError)
	if strings.Contains(rec.Body.String(), "relation") {
		t.Fatalf("expected storage detail to be masked, got %s", rec.Body.String())
	}
}
