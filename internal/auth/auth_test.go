package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHashAndVerifyKey(t *testing.T) {
	hash, err := HashKey("sk-gateway-secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	if err := VerifyKey(hash, "sk-gateway-secret"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if err := VerifyKey(hash, "wrong"); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	hash, err := HashKey("sk-gateway-secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("valid key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer sk-gateway-secret")
		Middleware(hash, next).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		Middleware(hash, next).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Middleware(hash, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("empty hash disables auth", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Middleware("", next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}
