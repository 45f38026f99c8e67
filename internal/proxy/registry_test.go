package proxy_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/proxy"
	"github.com/evolution-openai/evolution-bridge/internal/testhelpers"
	"github.com/evolution-openai/evolution-bridge/pkg/evolution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultClient(t *testing.T, api *testhelpers.MockAPIServer, identity *testhelpers.MockIdentityServer) *evolution.Client {
	t.Helper()

	cfg := evolution.DefaultConfig()
	cfg.KeyID = "key-id"
	cfg.Secret = "secret"
	cfg.ProjectID = "project-1"
	cfg.BaseURL = api.Server.URL + "/v1"
	cfg.TokenURL = identity.URL()

	c, err := evolution.New(context.Background(), cfg, evolution.WithLazyToken())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c
}

func newRegistry(t *testing.T) (*proxy.Registry, *testhelpers.MockAPIServer, *testhelpers.MockIdentityServer) {
	t.Helper()

	api := testhelpers.SetupMockAPIServer(t)
	identity := testhelpers.SetupMockIdentityServer(t)

	r, err := proxy.NewRegistry(newDefaultClient(t, api, identity), 10, time.Minute)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	return r, api, identity
}

func TestRegistry_DefaultClient(t *testing.T) {
	r, _, _ := newRegistry(t)

	for _, projectID := range []string{"", "project-1"} {
		c, err := r.Client(context.Background(), projectID)
		require.NoError(t, err)
		assert.Same(t, r.Default(), c)
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_TenantClientsAreCachedAndShareTokens(t *testing.T) {
	r, api, identity := newRegistry(t)
	ctx := context.Background()

	first, err := r.Client(ctx, "project-2")
	require.NoError(t, err)
	second, err := r.Client(ctx, "project-2")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "project-2", first.ProjectID())
	assert.Equal(t, 1, r.Len())

	for _, c := range []*evolution.Client{r.Default(), first} {
		req, err := c.NewRequest(ctx, http.MethodGet, "/models", nil)
		require.NoError(t, err)
		resp, err := c.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	requests := api.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "project-1", requests[0].ProjectID)
	assert.Equal(t, "project-2", requests[1].ProjectID)
	assert.Equal(t, requests[0].Authorization, requests[1].Authorization)
	assert.Equal(t, 1, identity.RequestCount())
}

func TestRegistry_RejectsInvalidProject(t *testing.T) {
	r, _, _ := newRegistry(t)

	for _, projectID := range []string{"bad project", "-leading", strings.Repeat("a", 200), "new\nline"} {
		_, err := r.Client(context.Background(), projectID)

		var invalid proxy.InvalidProjectError
		require.ErrorAs(t, err, &invalid)

		status, _ := invalid.Status()
		assert.Equal(t, http.StatusBadRequest, status)
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CloseReleasesTenants(t *testing.T) {
	r, _, _ := newRegistry(t)

	_, err := r.Client(context.Background(), "project-2")
	require.NoError(t, err)

	r.Close()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTransport_UsesClientFromContext(t *testing.T) {
	r, api, _ := newRegistry(t)

	req, err := http.NewRequest(http.MethodGet, api.Server.URL+"/v1/models", nil)
	require.NoError(t, err)

	_, err = proxy.Transport().RoundTrip(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no client selected")

	req = req.WithContext(proxy.WithClient(req.Context(), r.Default()))
	resp, err := proxy.Transport().RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "project-1", api.Requests()[0].ProjectID)
}
