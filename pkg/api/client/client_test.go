package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cli, err := New(srv.URL)
	require.NoError(t, err)
	return cli
}

func TestLoginDecodesEnvelope(t *testing.T) {
	cli := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/login", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ops@example.com", body["email"])
		_, _ = w.Write([]byte(`{"data":{"user":{"id":"u1","email":"ops@example.com","role":"user"},"tokens":{"access_token":"a","refresh_token":"r","token_type":"Bearer","expires_in":900}}}`))
	})

	s, err := cli.Login(t.Context(), "ops@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", s.User.ID)
	assert.Equal(t, "a", s.Tokens.AccessToken)
	assert.EqualValues(t, 900, s.Tokens.ExpiresIn)
}

func TestListSendsPaginationAndToken(t *testing.T) {
	cli := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "org-1", r.URL.Query().Get("organization_id"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "5", r.URL.Query().Get("page_size"))
		_, _ = w.Write([]byte(`{"data":[{"id":"p1","slug":"web"}],"total":6,"page":2,"page_size":5}`))
	})

	out, err := cli.ListProjects(t.Context(), "tok", "org-1", 2, 5)
	require.NoError(t, err)
	require.Len(t, out.Data, 1)
	assert.Equal(t, "web", out.Data[0].Slug)
	assert.Equal(t, 6, out.Total)
}

func TestErrorsCarryCodeAndRetryable(t *testing.T) {
	cli := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"node unreachable","code":"node_unreachable","retryable":true}`))
	})

	_, err := cli.ContainerAction(t.Context(), "tok", "c1", "start")
	require.Error(t, err)
	var apiErr APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "node_unreachable", apiErr.Code)
	assert.True(t, IsRetryable(err))
}

func TestContainerActionRejectsUnknownAction(t *testing.T) {
	cli, err := New("localhost:1")
	require.NoError(t, err)
	_, err = cli.ContainerAction(t.Context(), "tok", "c1", "explode")
	assert.ErrorContains(t, err, "unknown container action")
}

func TestNoContentSkipsDecode(t *testing.T) {
	cli := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("with_volumes"))
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, cli.DeleteContainer(t.Context(), "tok", "c1", true))
}
