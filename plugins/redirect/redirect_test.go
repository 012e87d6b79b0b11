package redirect_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/adfront/dispatch"
	"github.com/c360/adfront/plugins/redirect"
	"github.com/c360/adfront/testutil"
)

func run(t *testing.T, cfg map[string]string, r *http.Request) dispatch.Response {
	t.Helper()
	p := redirect.New()
	require.NoError(t, p.Init(cfg))

	engine := dispatch.NewEngine(testutil.Lookup{"go": p})
	host := testutil.NewFakeHost(r)
	engine.Run(engine.NewRequest(host))

	responses := host.Responses()
	require.Len(t, responses, 1)
	return responses[0]
}

func TestRedirect_SetsCookieForNewVisitor(t *testing.T) {
	resp := run(t, map[string]string{
		"target":         "https://example.com/landing",
		"cookie_domain":  "example.com",
		"cookie_max_age": "1h",
	}, httptest.NewRequest(http.MethodGet, "/go", nil))

	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, "https://example.com/landing", resp.Header.Get("Location"))

	cookie := resp.Header.Get("Set-Cookie")
	assert.True(t, strings.HasPrefix(cookie, "uid="), cookie)
	assert.Contains(t, cookie, "Domain=example.com")
	assert.Contains(t, cookie, "Max-Age=3600")
}

func TestRedirect_KnownVisitorGetsNoCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/go", nil)
	r.Header.Set("Cookie", "uid=abc")

	resp := run(t, map[string]string{"target": "/home"}, r)

	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, "/home", resp.Header.Get("Location"))
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
}

func TestRedirect_Override(t *testing.T) {
	cfg := map[string]string{"target": "/home", "cookie_name": "off"}

	resp := run(t, cfg, httptest.NewRequest(http.MethodGet, "/go?to=/elsewhere", nil))
	assert.Equal(t, "/home", resp.Header.Get("Location"), "override disabled")

	cfg["allow_override"] = "yes"
	resp = run(t, cfg, httptest.NewRequest(http.MethodGet, "/go?to=/elsewhere", nil))
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))

	resp = run(t, cfg, httptest.NewRequest(http.MethodGet, "/go?to=//evil.example", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
}

func TestRedirect_InitValidation(t *testing.T) {
	assert.Error(t, redirect.New().Init(map[string]string{}))
	assert.Error(t, redirect.New().Init(map[string]string{"target": "ftp://x"}))
	assert.NoError(t, redirect.New().Init(map[string]string{"target": "http://x"}))
}
