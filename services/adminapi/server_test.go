package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/services/pipeline"
)

type fakeRoutes struct{ routes []*pipeline.RouteConfig }

func (f fakeRoutes) Snapshot() []*pipeline.RouteConfig { return f.routes }

type fakeBlocklist struct{ size int }

func (f fakeBlocklist) BlocklistSize() int { return f.size }

type fakeRateLimits struct {
	resourceCount int
	actorCounts   map[string]int
}

func (f fakeRateLimits) ResourceCount() int          { return f.resourceCount }
func (f fakeRateLimits) ActorCounts() map[string]int { return f.actorCounts }

type fakeModules struct{ ids []string }

func (f fakeModules) IDs() []string { return f.ids }
func (f fakeModules) Len() int      { return len(f.ids) }

func testServer(t *testing.T, secret []byte) *Server {
	t.Helper()
	return New(Config{
		Routes: fakeRoutes{routes: []*pipeline.RouteConfig{
			{Hostname: "example.com", Path: "/", CacheDefaultTTLSeconds: 60, WAFBuiltinEnabled: true, BotPolicy: "challenge", ModuleHashes: []string{"a", "b"}, BodyCapBytes: 1 << 20},
		}},
		Blocklist:  fakeBlocklist{size: 7},
		RateLimits: fakeRateLimits{resourceCount: 2, actorCounts: map[string]int{"origin-a": 3}},
		Modules:    fakeModules{ids: []string{"mod-1", "mod-2"}},
		JWTSecret:  secret,
		Logger:     logging.NewFromEnv("adminapi-test"),
	})
}

func signToken(t *testing.T, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Subject: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestAdminAPIRejectsMissingToken(t *testing.T) {
	secret := []byte("super-secret")
	srv := testServer(t, secret)

	req := httptest.NewRequest(http.MethodGet, "/admin/routes", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAPIRejectsWrongSecret(t *testing.T) {
	secret := []byte("super-secret")
	srv := testServer(t, secret)

	token := signToken(t, []byte("other-secret"))
	req := httptest.NewRequest(http.MethodGet, "/admin/routes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAPIRoutesDump(t *testing.T) {
	secret := []byte("super-secret")
	srv := testServer(t, secret)
	token := signToken(t, secret)

	req := httptest.NewRequest(http.MethodGet, "/admin/routes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"hostname":"example.com"`)
	require.Contains(t, rec.Body.String(), `"module_count":2`)
}

func TestAdminAPIBlocklistSize(t *testing.T) {
	secret := []byte("super-secret")
	srv := testServer(t, secret)
	token := signToken(t, secret)

	req := httptest.NewRequest(http.MethodGet, "/admin/blocklist", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"size":7}`, rec.Body.String())
}

func TestAdminAPIRateLimits(t *testing.T) {
	secret := []byte("super-secret")
	srv := testServer(t, secret)
	token := signToken(t, secret)

	req := httptest.NewRequest(http.MethodGet, "/admin/ratelimits", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"resource_count":2,"actor_counts":{"origin-a":3}}`, rec.Body.String())
}

func TestAdminAPIModules(t *testing.T) {
	secret := []byte("super-secret")
	srv := testServer(t, secret)
	token := signToken(t, secret)

	req := httptest.NewRequest(http.MethodGet, "/admin/modules", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"count":2,"ids":["mod-1","mod-2"]}`, rec.Body.String())
}

func TestAdminAPIRejectsDisallowedMethod(t *testing.T) {
	secret := []byte("super-secret")
	srv := testServer(t, secret)
	token := signToken(t, secret)

	req := httptest.NewRequest(http.MethodPost, "/admin/routes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
