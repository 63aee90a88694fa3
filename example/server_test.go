package main

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shastrum/go-captchaguard"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenRe = regexp.MustCompile(`name="captcha_token" value="([^"]+)"`)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestServer(t *testing.T, cfg *config) *httptest.Server {
	t.Helper()
	setDefaults(cfg)

	repo, closeRepo, err := buildRepository(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeRepo() })

	reg := prometheus.NewRegistry()
	guard, err := newGuard(cfg, repo, reg, quietLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(cfg, guard, reg, quietLogger()))
	t.Cleanup(srv.Close)
	return srv
}

func memoryConfig() *config {
	return &config{
		settings: settings{Secret: "server-test-secret"},
		Challenges: []captchaguard.TextChallenge{
			{Key: "colour", Question: "What colour is the sky?", Answers: []string{"blue"}},
		},
	}
}

func newClient(t *testing.T) *http.Client {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func get(t *testing.T, c *http.Client, u string) (int, string) {
	t.Helper()
	resp, err := c.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func post(t *testing.T, c *http.Client, u string, form url.Values) (int, string) {
	t.Helper()
	resp, err := c.PostForm(u, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func tokenFrom(t *testing.T, page string) string {
	t.Helper()
	m := tokenRe.FindStringSubmatch(page)
	require.Len(t, m, 2, "no challenge token in page:\n%s", page)
	return m[1]
}

func TestCommentFlow(t *testing.T) {
	srv := newTestServer(t, memoryConfig())
	c := newClient(t)

	code, page := get(t, c, srv.URL+"/comment")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, page, "What colour is the sky?")
	token := tokenFrom(t, page)

	// wrong answer redirects back to the form with the same question
	code, page = post(t, c, srv.URL+"/comment", url.Values{
		"body":           {"hi"},
		"captcha_token":  {token},
		"captcha_answer": {"green"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, page, captchaguard.DefaultFailureMessage)
	assert.Contains(t, page, "What colour is the sky?")
	token = tokenFrom(t, page)

	code, body := post(t, c, srv.URL+"/comment", url.Values{
		"body":           {"hi"},
		"captcha_token":  {token},
		"captcha_answer": {" Blue "},
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Contains(t, body, "comment was posted")

	// a trusted client is not challenged again
	code, page = get(t, c, srv.URL+"/comment")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, tokenRe.MatchString(page))

	code, body = post(t, c, srv.URL+"/comment", url.Values{"body": {"again"}})
	assert.Equal(t, http.StatusCreated, code)
	assert.Contains(t, body, "comment was posted")

	code, metrics := get(t, c, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, metrics, `captchaguard_validations_total{outcome="failure"} 1`)
	assert.Contains(t, metrics, `captchaguard_validations_total{outcome="success"} 1`)
}

func TestCommentWithoutTokenIsRejected(t *testing.T) {
	srv := newTestServer(t, memoryConfig())
	c := newClient(t)

	code, page := post(t, c, srv.URL+"/comment", url.Values{"body": {"spam"}})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, page, captchaguard.DefaultFailureMessage)
	assert.True(t, tokenRe.MatchString(page), "the form should present a new challenge")
}

func TestDisabledGuard(t *testing.T) {
	cfg := memoryConfig()
	cfg.Disabled = true
	srv := newTestServer(t, cfg)
	c := newClient(t)

	_, page := get(t, c, srv.URL+"/comment")
	assert.False(t, tokenRe.MatchString(page))

	code, _ := post(t, c, srv.URL+"/comment", url.Values{"body": {"hi"}})
	assert.Equal(t, http.StatusCreated, code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, memoryConfig())
	code, body := get(t, newClient(t), srv.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, `"ok"`))
}

func TestBuildRepositoryRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Store = storeConfig{Driver: driverRedis}
	cfg.Store.Redis.Addr = mr.Addr()
	cfg.Store.Redis.Prefix = "demo"

	repo, closeRepo, err := buildRepository(context.Background(), cfg)
	require.NoError(t, err)
	defer closeRepo()

	ch, err := repo.ByID(context.Background(), "colour")
	require.NoError(t, err)
	assert.True(t, ch.Attempt("BLUE"))
	assert.True(t, mr.Exists("demo:challenge:colour"))
}

func TestBuildRepositoryRedisUnreachable(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store = storeConfig{Driver: driverRedis}
	cfg.Store.Redis.Addr = "127.0.0.1:1"

	_, _, err := buildRepository(context.Background(), cfg)
	assert.Error(t, err)
}
