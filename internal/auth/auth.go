package auth

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("unauthorized")

// VerifyKey checks a bearer key against the configured bcrypt hash.
func VerifyKey(hash, key string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashKey produces a bcrypt hash suitable for GATEWAY_KEY_HASH.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Middleware rejects requests whose bearer key does not match hash. An empty
// hash disables authentication.
func Middleware(hash string, next http.Handler) http.Handler {
	if hash == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerKey(r)
		if key == "" || VerifyKey(hash, key) != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"invalid API key","type":"error","code":401}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerKey(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
