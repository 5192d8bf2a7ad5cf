package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hls-delivery/internal/platform/logger"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func token(t *testing.T, secret, sub, role string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  exp.Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestVerifier_Require(t *testing.T) {
	v := NewVerifier(testSecret, logger.Discard())
	var seen Identity
	h := v.Require(CapUpload)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong_secret", "Bearer " + token(t, "other", "u1", "artist", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", "Bearer " + token(t, testSecret, "u1", "artist", time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"listener", "Bearer " + token(t, testSecret, "u2", "listener", time.Now().Add(time.Hour)), http.StatusForbidden},
		{"artist", "Bearer " + token(t, testSecret, "u3", "artist", time.Now().Add(time.Hour)), http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/assets/songs", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}

	if seen.Subject != "u3" || seen.Role != "artist" {
		t.Errorf("identity not propagated: %+v", seen)
	}
}

func TestIdentity_Can(t *testing.T) {
	if !(Identity{Role: "admin"}).Can(CapUpload) {
		t.Error("admin should upload")
	}
	if (Identity{Role: ""}).Can(CapUpload) {
		t.Error("empty role should not upload")
	}
}
