package rest

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/auth"
	"authgate/internal/config"
)

const testAdminToken = "test-admin-token"

func testTokenHash(t *testing.T) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(testAdminToken), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(h)
}

func TestAdminAuth(t *testing.T) {
	hash := testTokenHash(t)

	tests := []struct {
		name           string
		tokenHash      string
		allowedCIDRs   []string
		trustedProxies []string
		header         map[string]string
		expectedStatus int
	}{
		{"valid token", hash, nil, nil, map[string]string{"X-Admin-Token": testAdminToken}, http.StatusOK},
		{"wrong token", hash, nil, nil, map[string]string{"X-Admin-Token": "nope"}, http.StatusUnauthorized},
		{"missing token", hash, nil, nil, nil, http.StatusUnauthorized},
		{"token as bearer", hash, nil, nil, map[string]string{"Authorization": "Bearer " + testAdminToken}, http.StatusUnauthorized},
		{"admin disabled", "", nil, nil, map[string]string{"X-Admin-Token": testAdminToken}, http.StatusNotFound},
		{"client inside ACL", hash, []string{"127.0.0.0/8"}, nil, map[string]string{"X-Admin-Token": testAdminToken}, http.StatusOK},
		{"client outside ACL", hash, []string{"10.0.0.0/8"}, nil, map[string]string{"X-Admin-Token": testAdminToken}, http.StatusForbidden},
		{"forged X-Forwarded-For ignored", hash, []string{"10.0.0.0/8"}, nil,
			map[string]string{"X-Admin-Token": testAdminToken, "X-Forwarded-For": "10.1.2.3"}, http.StatusForbidden},
		{"forged X-Real-IP ignored", hash, []string{"10.0.0.0/8"}, nil,
			map[string]string{"X-Admin-Token": testAdminToken, "X-Real-IP": "10.1.2.3"}, http.StatusForbidden},
		{"X-Forwarded-For from trusted proxy", hash, []string{"10.0.0.0/8"}, []string{"127.0.0.1"},
			map[string]string{"X-Admin-Token": testAdminToken, "X-Forwarded-For": "10.1.2.3"}, http.StatusOK},
		{"trusted proxy forwarding an outside client", hash, []string{"127.0.0.0/8"}, []string{"127.0.0.1"},
			map[string]string{"X-Admin-Token": testAdminToken, "X-Forwarded-For": "192.0.2.1"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				TrustedProxies: tt.trustedProxies,
				Admin:          config.AdminConfig{TokenHash: tt.tokenHash, AllowedCIDRs: tt.allowedCIDRs},
			}
			env := setupTestServer(t, cfg, false, true)

			w := env.do("GET", "/admin/cache", tt.header)
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d\nResponse: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestAdminCache(t *testing.T) {
	cfg := &config.Config{Admin: config.AdminConfig{TokenHash: testTokenHash(t)}}
	env := setupTestServer(t, cfg, false, true)
	admin := map[string]string{"X-Admin-Token": testAdminToken}

	for _, tok := range []string{"tok-alice", "tok-bob", "tok-carol"} {
		env.do("GET", "/me", map[string]string{"Authorization": "Bearer " + tok})
	}

	w := env.do("GET", "/admin/cache", admin)
	st := decode[auth.CacheState](t, w)
	if diff := cmp.Diff([]string{"carol", "bob", "alice"}, st.Subjects); diff != "" {
		t.Fatalf("cached subjects mismatch (-want +got):\n%s", diff)
	}
	if st.Stats.Size != 3 || st.Stats.MaxSize != 10 || st.Stats.Misses != 3 {
		t.Errorf("unexpected stats %+v", st.Stats)
	}

	if w := env.do("DELETE", "/admin/cache/bob", admin); w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}
	if w := env.do("DELETE", "/admin/cache/bob", admin); w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404 for uncached subject, got %d", w.Code)
	}

	w = env.do("DELETE", "/admin/cache", admin)
	if got := decode[map[string]int](t, w); got["removed"] != 2 {
		t.Fatalf("purge removed %v, want 2", got)
	}

	st = decode[auth.CacheState](t, env.do("GET", "/admin/cache", admin))
	if len(st.Subjects) != 0 {
		t.Errorf("cache not empty after purge: %v", st.Subjects)
	}
}
