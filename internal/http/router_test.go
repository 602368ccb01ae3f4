package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine/enginetest"
	"github.com/fahrettinrizaergin/docker-manager/internal/events"
	"github.com/fahrettinrizaergin/docker-manager/internal/lock"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository/memory"
	"github.com/fahrettinrizaergin/docker-manager/internal/resilience"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/auth"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/container"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/dashboard"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/deploy"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/lifecycle"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/node"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/organization"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/permission"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/project"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/webhook"
	"github.com/fahrettinrizaergin/docker-manager/internal/source"
	"github.com/fahrettinrizaergin/docker-manager/internal/ws"
	"github.com/fahrettinrizaergin/docker-manager/pkg/config"
	"github.com/fahrettinrizaergin/docker-manager/pkg/crypto"
)

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []string
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func (s *rateLimiterStub) Allow(_ context.Context, key string, limit int, window time.Duration) rateDecision {
	s.mu.Lock()
	s.calls = append(s.calls, key)
	s.mu.Unlock()
	if s.allowFn != nil {
		return s.allowFn(key, limit, window)
	}
	return rateDecision{allowed: true, remaining: limit - 1, reset: time.Now().Add(window)}
}

func (s *rateLimiterStub) Close() {}

type testAPI struct {
	router      *Router
	store       *memory.Store
	engine      *enginetest.Fake
	deployments deploy.Service
	auth        auth.Service
	adminToken  string
}

func newTestAPI(t *testing.T, opts Options) testAPI {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	cfg := config.APIConfig{
		JWTSecret:        "test-secret",
		AccessTokenTTL:   time.Minute,
		RefreshTokenTTL:  time.Hour,
		PasswordResetTTL: time.Minute,
	}
	authSvc := auth.New(store, log, cfg)
	sealer, err := crypto.NewSealer("router-test-key")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}

	fake := enginetest.New()
	pool := engine.NewPool(fake.Dialer(), resilience.NewBreakers(3, time.Minute, engine.Unreachable), engine.GuardConfig{OpTimeout: time.Second}, log)
	locks := lock.NewMemory()
	nodes, err := node.New(store, pool, sealer, locks, config.NodeConfig{}, log)
	if err != nil {
		t.Fatalf("node service: %v", err)
	}
	t.Cleanup(nodes.Close)

	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	bus := events.NewBus(hub, nil, log)
	perms := permission.New(store, log)
	lc := lifecycle.New(store, nodes, locks, bus, nil, log)
	workspace, err := source.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	deploys := deploy.New(store, lc, source.Git{}, workspace, bus, config.DeployConfig{Timeout: time.Minute}, log)

	if opts.Limiter == nil {
		opts.Limiter = &rateLimiterStub{}
	}
	router := NewRouter(log, Services{
		Auth:          authSvc,
		Organizations: organization.New(store, lc, locks, log),
		Projects:      project.New(store, perms, lc, locks, log),
		Containers:    container.New(store, perms, locks, log),
		Lifecycle:     lc,
		Deployments:   deploys,
		Webhooks:      webhook.New(store, sealer, deploys, log),
		Nodes:         nodes,
		Permissions:   perms,
		Dashboard:     dashboard.New(store, log),
		Hub:           hub,
	}, opts)
	t.Cleanup(router.Close)

	ctx := context.Background()
	if _, err := authSvc.EnsureAdmin(ctx, "admin@example.com", "administrator"); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	_, tokens, err := authSvc.Login(ctx, "admin@example.com", "administrator")
	if err != nil {
		t.Fatalf("admin login: %v", err)
	}
	return testAPI{router: router, store: store, engine: fake, deployments: deploys, auth: authSvc, adminToken: tokens.AccessToken}
}

func (api testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	api.router.ServeHTTP(rr, req)
	return rr
}

// signup registers a user and returns its id and access token.
func (api testAPI) signup(t *testing.T, email string) (string, string) {
	t.Helper()
	rr := api.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{"email": email, "password": "correct-horse"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", email, rr.Code, rr.Body.String())
	}
	s := decodeData[sessionResponse](t, rr)
	return s.User.ID, s.Tokens.AccessToken
}

func decodeData[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var body struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body.Data
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return body
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

// tree creates an organization, project and container owned by token's user.
func (api testAPI) tree(t *testing.T, token, nodeID string) (orgID, projectID, containerID string) {
	t.Helper()
	rr := api.do(t, http.MethodPost, "/api/v1/organizations", token, map[string]string{"name": "Acme Corp"})
	expectStatus(t, rr, http.StatusCreated)
	orgID = decodeData[domain.Organization](t, rr).ID

	rr = api.do(t, http.MethodPost, "/api/v1/projects", token, map[string]string{"organization_id": orgID, "name": "Web Shop"})
	expectStatus(t, rr, http.StatusCreated)
	projectID = decodeData[domain.Project](t, rr).ID

	rr = api.do(t, http.MethodPost, "/api/v1/containers", token, map[string]any{
		"project_id": projectID,
		"node_id":    nodeID,
		"name":       "API",
		"image":      "nginx",
		"tag":        "1.27",
	})
	expectStatus(t, rr, http.StatusCreated)
	containerID = decodeData[domain.Container](t, rr).ID
	return orgID, projectID, containerID
}

func (api testAPI) registerNode(t *testing.T) string {
	t.Helper()
	rr := api.do(t, http.MethodPost, "/api/v1/nodes", api.adminToken, map[string]any{"name": "edge-1", "host": "tcp://10.0.0.1:2376"})
	expectStatus(t, rr, http.StatusCreated)
	return decodeData[domain.Node](t, rr).ID
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, Options{DBHealth: func(context.Context) error { return errors.New("connection refused") }})
	rr := api.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, rr, http.StatusServiceUnavailable)

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "degraded" {
		t.Fatalf("expected degraded status, got %v", body["status"])
	}
}

func TestMetricsCountServedRequests(t *testing.T) {
	api := newTestAPI(t, Options{})
	expectStatus(t, api.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)

	rr := api.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, rr, http.StatusOK)
	want := `dockmgr_api_http_requests_total{method="GET",route="GET /healthz",status="200"} 1`
	if !strings.Contains(rr.Body.String(), want) {
		t.Fatalf("metrics output missing %q:\n%s", want, rr.Body.String())
	}
}

func TestUnmatchedRoutesReturnJSONErrors(t *testing.T) {
	api := newTestAPI(t, Options{})

	rr := api.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	expectStatus(t, rr, http.StatusNotFound)
	if got := decodeError(t, rr).Code; got != codeNotFound {
		t.Fatalf("unexpected code %q", got)
	}

	rr = api.do(t, http.MethodPatch, "/api/v1/organizations", api.adminToken, nil)
	expectStatus(t, rr, http.StatusMethodNotAllowed)
	if got := decodeError(t, rr).Code; got != codeMethod {
		t.Fatalf("unexpected code %q", got)
	}
}

func TestRegisterLoginAndMe(t *testing.T) {
	api := newTestAPI(t, Options{})
	id, _ := api.signup(t, "alice@example.com")

	rr := api.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "alice@example.com", "password": "correct-horse"})
	expectStatus(t, rr, http.StatusOK)
	s := decodeData[sessionResponse](t, rr)
	if s.Tokens.TokenType != "Bearer" || s.Tokens.ExpiresIn != 60 {
		t.Fatalf("unexpected tokens: %+v", s.Tokens)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/auth/me", s.Tokens.AccessToken, nil)
	expectStatus(t, rr, http.StatusOK)
	if me := decodeData[domain.User](t, rr); me.ID != id || me.Email != "alice@example.com" {
		t.Fatalf("unexpected me: %+v", me)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/auth/me", s.Tokens.RefreshToken, nil)
	expectStatus(t, rr, http.StatusUnauthorized)

	rr = api.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": s.Tokens.RefreshToken})
	expectStatus(t, rr, http.StatusOK)

	rr = api.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "alice@example.com", "password": "wrong"})
	expectStatus(t, rr, http.StatusUnauthorized)
	if got := decodeError(t, rr).Code; got != codeUnauthenticated {
		t.Fatalf("unexpected code %q", got)
	}
}

func TestRequestValidation(t *testing.T) {
	api := newTestAPI(t, Options{})

	rr := api.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{"password": "correct-horse"})
	expectStatus(t, rr, http.StatusBadRequest)
	if got := decodeError(t, rr); got.Code != codeValidation || got.Error == "" {
		t.Fatalf("unexpected error body: %+v", got)
	}

	rr = api.do(t, http.MethodPost, "/api/v1/organizations", api.adminToken, []byte(`{"name":"x","bogus":1}`))
	expectStatus(t, rr, http.StatusBadRequest)

	rr = api.do(t, http.MethodPost, "/api/v1/organizations", api.adminToken, []byte(`{`))
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestGrantsControlAccessAndRevocationIsImmediate(t *testing.T) {
	api := newTestAPI(t, Options{})
	_, alice := api.signup(t, "alice@example.com")
	bobID, bob := api.signup(t, "bob@example.com")
	_, projectID, containerID := api.tree(t, alice, "")

	path := "/api/v1/containers/" + containerID
	expectStatus(t, api.do(t, http.MethodGet, path, bob, nil), http.StatusForbidden)
	expectStatus(t, api.do(t, http.MethodGet, "/api/v1/containers/missing", bob, nil), http.StatusNotFound)

	grant := map[string]any{"user_id": bobID, "resource_type": "project", "resource_id": projectID, "permissions": []string{"read"}}
	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/permissions/grant", bob, grant), http.StatusForbidden)
	rr := api.do(t, http.MethodPost, "/api/v1/permissions/grant", alice, grant)
	expectStatus(t, rr, http.StatusCreated)

	expectStatus(t, api.do(t, http.MethodGet, path, bob, nil), http.StatusOK)
	expectStatus(t, api.do(t, http.MethodPut, path, bob, map[string]string{"description": "edited"}), http.StatusForbidden)
	expectStatus(t, api.do(t, http.MethodPost, path+"/start", bob, nil), http.StatusForbidden)

	rr = api.do(t, http.MethodGet, fmt.Sprintf("/api/v1/permissions/check?action=read&resource_type=application&resource_id=%s", containerID), bob, nil)
	expectStatus(t, rr, http.StatusOK)
	if d := decodeData[domain.Decision](t, rr); !d.Allowed || d.Via != "grant:project" {
		t.Fatalf("unexpected decision: %+v", d)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/containers?project_id="+projectID, bob, nil)
	expectStatus(t, rr, http.StatusOK)
	var list listBody
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || list.Page != 1 || list.PageSize != domain.DefaultPageSize {
		t.Fatalf("unexpected list envelope: %+v", list)
	}

	revoke := map[string]string{"user_id": bobID, "resource_type": "project", "resource_id": projectID}
	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/permissions/revoke", alice, revoke), http.StatusNoContent)
	expectStatus(t, api.do(t, http.MethodGet, path, bob, nil), http.StatusForbidden)
}

func TestDeleteOrganizationRequiresCascade(t *testing.T) {
	api := newTestAPI(t, Options{})
	_, alice := api.signup(t, "alice@example.com")
	orgID, projectID, _ := api.tree(t, alice, "")

	path := "/api/v1/organizations/" + orgID
	expectStatus(t, api.do(t, http.MethodDelete, path+"?cascade=true", alice, nil), http.StatusConflict)
	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/organizations", alice, map[string]string{"name": "Alice Home"}), http.StatusCreated)

	expectStatus(t, api.do(t, http.MethodDelete, path, alice, nil), http.StatusConflict)
	expectStatus(t, api.do(t, http.MethodGet, "/api/v1/projects/"+projectID, alice, nil), http.StatusOK)

	rr := api.do(t, http.MethodDelete, path+"?cascade=true", alice, nil)
	expectStatus(t, rr, http.StatusNoContent)
	if rr.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rr.Body.String())
	}
	expectStatus(t, api.do(t, http.MethodGet, path, alice, nil), http.StatusNotFound)
	expectStatus(t, api.do(t, http.MethodGet, "/api/v1/projects/"+projectID, api.adminToken, nil), http.StatusNotFound)
}

func TestMembersCanReadButNotWrite(t *testing.T) {
	api := newTestAPI(t, Options{})
	_, alice := api.signup(t, "alice@example.com")
	bobID, bob := api.signup(t, "bob@example.com")
	orgID, _, containerID := api.tree(t, alice, "")

	rr := api.do(t, http.MethodPost, "/api/v1/organizations/"+orgID+"/members", alice, map[string]string{"user_id": bobID})
	expectStatus(t, rr, http.StatusCreated)
	if m := decodeData[domain.OrganizationMember](t, rr); m.Role != domain.MemberRoleMember {
		t.Fatalf("expected default member role, got %q", m.Role)
	}

	expectStatus(t, api.do(t, http.MethodGet, "/api/v1/containers/"+containerID, bob, nil), http.StatusOK)
	expectStatus(t, api.do(t, http.MethodPut, "/api/v1/organizations/"+orgID, bob, map[string]string{"description": "x"}), http.StatusForbidden)

	rr = api.do(t, http.MethodGet, "/api/v1/organizations", bob, nil)
	expectStatus(t, rr, http.StatusOK)
	var list listBody
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || list.Total != 1 {
		t.Fatalf("expected one visible organization, got %+v (%v)", list, err)
	}

	expectStatus(t, api.do(t, http.MethodDelete, "/api/v1/organizations/"+orgID+"/members/"+bobID, alice, nil), http.StatusNoContent)
	expectStatus(t, api.do(t, http.MethodGet, "/api/v1/containers/"+containerID, bob, nil), http.StatusForbidden)
}

func TestNodeManagementRequiresAdmin(t *testing.T) {
	api := newTestAPI(t, Options{})
	_, alice := api.signup(t, "alice@example.com")

	body := map[string]any{"name": "edge-1", "host": "tcp://10.0.0.1:2376"}
	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/nodes", alice, body), http.StatusForbidden)
	nodeID := api.registerNode(t)

	rr := api.do(t, http.MethodGet, "/api/v1/nodes", alice, nil)
	expectStatus(t, rr, http.StatusOK)

	rr = api.do(t, http.MethodPost, "/api/v1/nodes/"+nodeID+"/test", api.adminToken, nil)
	expectStatus(t, rr, http.StatusOK)
	if res := decodeData[domain.HealthResult](t, rr); res.Status != domain.NodeOnline {
		t.Fatalf("expected online node, got %+v", res)
	}

	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/nodes/"+nodeID+"/prune", api.adminToken, map[string]string{"kind": "bogus"}), http.StatusBadRequest)
	expectStatus(t, api.do(t, http.MethodDelete, "/api/v1/nodes/"+nodeID, alice, nil), http.StatusForbidden)
	expectStatus(t, api.do(t, http.MethodDelete, "/api/v1/nodes/"+nodeID, api.adminToken, nil), http.StatusNoContent)
}

func TestContainerLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t, Options{})
	nodeID := api.registerNode(t)
	_, _, containerID := api.tree(t, api.adminToken, nodeID)
	path := "/api/v1/containers/" + containerID

	rr := api.do(t, http.MethodPost, path+"/start", api.adminToken, nil)
	expectStatus(t, rr, http.StatusOK)
	if c := decodeData[domain.Container](t, rr); c.Status != domain.StatusRunning || c.RuntimeID == "" {
		t.Fatalf("unexpected container after start: %+v", c)
	}

	rr = api.do(t, http.MethodPost, path+"/stop", api.adminToken, map[string]any{"signal": "SIGINT", "grace_period_seconds": 3})
	expectStatus(t, rr, http.StatusOK)
	if c := decodeData[domain.Container](t, rr); c.Status != domain.StatusStopped {
		t.Fatalf("expected stopped, got %q", c.Status)
	}

	rr = api.do(t, http.MethodPost, path+"/pause", api.adminToken, nil)
	expectStatus(t, rr, http.StatusConflict)

	expectStatus(t, api.do(t, http.MethodDelete, path+"?force=true", api.adminToken, nil), http.StatusNoContent)
	expectStatus(t, api.do(t, http.MethodGet, path, api.adminToken, nil), http.StatusNotFound)
}

func TestContainerEditsWaitForRunningOperations(t *testing.T) {
	api := newTestAPI(t, Options{})
	nodeID := api.registerNode(t)
	rr := api.do(t, http.MethodPost, "/api/v1/nodes", api.adminToken, map[string]any{"name": "edge-2", "host": "tcp://10.0.0.2:2376"})
	expectStatus(t, rr, http.StatusCreated)
	otherID := decodeData[domain.Node](t, rr).ID
	_, _, containerID := api.tree(t, api.adminToken, nodeID)
	path := "/api/v1/containers/" + containerID

	entered := make(chan struct{}, 1)
	proceed := make(chan struct{})
	api.engine.Hook("start", func(ctx context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-proceed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	started := make(chan int, 1)
	go func() {
		started <- api.do(t, http.MethodPost, path+"/start", api.adminToken, nil).Code
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("start never reached the engine")
	}

	expectStatus(t, api.do(t, http.MethodPut, path, api.adminToken, map[string]any{"node_id": otherID}), http.StatusConflict)
	expectStatus(t, api.do(t, http.MethodDelete, "/api/v1/nodes/"+nodeID, api.adminToken, nil), http.StatusConflict)
	close(proceed)
	if code := <-started; code != http.StatusOK {
		t.Fatalf("start: status %d", code)
	}

	rr = api.do(t, http.MethodGet, path, api.adminToken, nil)
	expectStatus(t, rr, http.StatusOK)
	c := decodeData[domain.Container](t, rr)
	if c.AssignedNode() != nodeID || c.Status != domain.StatusRunning {
		t.Fatalf("expected running on %s, got %q on %s", nodeID, c.Status, c.AssignedNode())
	}
}

func TestUnreachableNodeIsRetryable(t *testing.T) {
	api := newTestAPI(t, Options{})
	nodeID := api.registerNode(t)
	_, _, containerID := api.tree(t, api.adminToken, nodeID)
	api.engine.Fail("ping", fmt.Errorf("dial tcp: %w", domain.ErrNodeUnreachable))

	rr := api.do(t, http.MethodPost, "/api/v1/containers/"+containerID+"/start", api.adminToken, nil)
	expectStatus(t, rr, http.StatusServiceUnavailable)
	if body := decodeError(t, rr); !body.Retryable || body.Code != codeNodeUnreachable {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestDeployAndInspectDeployment(t *testing.T) {
	api := newTestAPI(t, Options{})
	nodeID := api.registerNode(t)
	_, _, containerID := api.tree(t, api.adminToken, nodeID)

	rr := api.do(t, http.MethodPost, "/api/v1/containers/"+containerID+"/deploy", api.adminToken, map[string]any{
		"provider": domain.ProviderRegistry,
		"spec":     map[string]string{"image": "nginx", "tag": "1.27"},
	})
	expectStatus(t, rr, http.StatusAccepted)
	record := decodeData[domain.DeploymentRecord](t, rr)
	if record.Status != domain.DeploymentPending || record.Trigger != domain.TriggerManual {
		t.Fatalf("unexpected pending record: %+v", record)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.deployments.Wait(ctx, record.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/deployments/"+record.ID, api.adminToken, nil)
	expectStatus(t, rr, http.StatusOK)
	if got := decodeData[domain.DeploymentRecord](t, rr); got.Status != domain.DeploymentSuccess {
		t.Fatalf("expected success, got %+v", got)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/deployments/"+record.ID+"/logs", api.adminToken, nil)
	expectStatus(t, rr, http.StatusOK)
	if lines := decodeData[[]domain.DeploymentLog](t, rr); len(lines) == 0 {
		t.Fatal("expected deployment log lines")
	}

	rr = api.do(t, http.MethodGet, "/api/v1/containers/"+containerID+"/deployments", api.adminToken, nil)
	expectStatus(t, rr, http.StatusOK)

	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/deployments/"+record.ID+"/cancel", api.adminToken, nil), http.StatusConflict)
	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/containers/"+containerID+"/deploy", api.adminToken, map[string]any{"provider": "ftp"}), http.StatusBadRequest)
}

func TestWebhookSignature(t *testing.T) {
	api := newTestAPI(t, Options{})
	_, alice := api.signup(t, "alice@example.com")
	_, _, containerID := api.tree(t, alice, "")

	rr := api.do(t, http.MethodPut, "/api/v1/containers/"+containerID+"/webhook", alice, nil)
	expectStatus(t, rr, http.StatusOK)
	secret := decodeData[map[string]string](t, rr)["secret"]
	if secret == "" {
		t.Fatal("expected generated secret")
	}

	payload := []byte(`{"zen":"keep it simple"}`)
	send := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/"+containerID, bytes.NewReader(payload))
		req.Header.Set("X-GitHub-Event", "ping")
		req.Header.Set("X-Hub-Signature-256", signature)
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		return rec
	}

	expectStatus(t, send("sha256=deadbeef"), http.StatusUnauthorized)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	rr = send("sha256=" + hex.EncodeToString(mac.Sum(nil)))
	expectStatus(t, rr, http.StatusOK)
	if res := decodeData[webhook.Result](t, rr); res.Skipped == "" || res.Deployment != nil {
		t.Fatalf("expected skipped delivery, got %+v", res)
	}
}

func TestDashboardStatsAreScoped(t *testing.T) {
	api := newTestAPI(t, Options{})
	_, alice := api.signup(t, "alice@example.com")
	_, bob := api.signup(t, "bob@example.com")
	api.tree(t, alice, "")
	api.registerNode(t)

	rr := api.do(t, http.MethodGet, "/api/v1/dashboard/stats", api.adminToken, nil)
	expectStatus(t, rr, http.StatusOK)
	if s := decodeData[domain.Stats](t, rr); s.Organizations != 1 || s.Containers != 1 || s.Nodes != 1 {
		t.Fatalf("unexpected admin stats: %+v", s)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/dashboard/stats", bob, nil)
	expectStatus(t, rr, http.StatusOK)
	if s := decodeData[domain.Stats](t, rr); s.Organizations != 0 || s.Containers != 0 || s.Nodes != 1 {
		t.Fatalf("unexpected scoped stats: %+v", s)
	}
}

func TestPasswordResetTokenExposure(t *testing.T) {
	api := newTestAPI(t, Options{ExposeResetTokens: true})
	api.signup(t, "alice@example.com")

	rr := api.do(t, http.MethodPost, "/api/v1/auth/password-reset/request", "", map[string]string{"email": "alice@example.com"})
	expectStatus(t, rr, http.StatusAccepted)
	token := decodeData[map[string]string](t, rr)["reset_token"]
	if token == "" {
		t.Fatal("expected reset token in body")
	}

	rr = api.do(t, http.MethodPost, "/api/v1/auth/password-reset/request", "", map[string]string{"email": "nobody@example.com"})
	expectStatus(t, rr, http.StatusAccepted)
	if _, ok := decodeData[map[string]string](t, rr)["reset_token"]; ok {
		t.Fatal("unknown email must not yield a token")
	}

	reset := map[string]string{"token": token, "password": "battery-staple"}
	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/auth/password-reset/reset", "", reset), http.StatusNoContent)
	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/auth/password-reset/reset", "", reset), http.StatusBadRequest)
	expectStatus(t, api.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "alice@example.com", "password": "battery-staple"}), http.StatusOK)
}

func TestRateLimitedRequests(t *testing.T) {
	reset := time.Unix(1_950_000_000, 0)
	limiter := &rateLimiterStub{allowFn: func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, remaining: 0, reset: reset}
	}}
	api := newTestAPI(t, Options{Limiter: limiter})

	rr := api.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "a@example.com", "password": "x"})
	expectStatus(t, rr, http.StatusTooManyRequests)
	if got := decodeError(t, rr).Code; got != codeRateLimited {
		t.Fatalf("unexpected code %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected reset header %q", got)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if last := limiter.calls[len(limiter.calls)-1]; last != "login:ip:192.0.2.1" {
		t.Fatalf("unexpected limiter key %q", last)
	}
}

func TestMemoryRateLimiterRefills(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if d := rl.Allow(ctx, "k", 2, time.Minute); !d.allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	d := rl.Allow(ctx, "k", 2, time.Minute)
	if d.allowed || d.remaining != 0 {
		t.Fatalf("third request should be limited, got %+v", d)
	}
	if !d.reset.After(now) || d.reset.After(now.Add(31*time.Second)) {
		t.Fatalf("expected reset within one refill interval, got %v", d.reset.Sub(now))
	}
	if d := rl.Allow(ctx, "other", 2, time.Minute); !d.allowed {
		t.Fatal("keys must not share a bucket")
	}

	now = now.Add(time.Minute)
	if d := rl.Allow(ctx, "k", 2, time.Minute); !d.allowed || d.remaining != 1 {
		t.Fatalf("expected refilled bucket, got %+v", d)
	}
	rl.sweep(now.Add(idleBucketTTL + time.Second))
	if len(rl.buckets) != 0 {
		t.Fatalf("expected idle buckets to be evicted, got %d", len(rl.buckets))
	}
}

func TestEventTopicsRequireReadAccess(t *testing.T) {
	api := newTestAPI(t, Options{})
	_, alice := api.signup(t, "alice@example.com")
	_, bob := api.signup(t, "bob@example.com")
	_, _, containerID := api.tree(t, alice, "")

	rr := api.do(t, http.MethodGet, "/api/v1/ws/events?topic=container:"+containerID, bob, nil)
	expectStatus(t, rr, http.StatusForbidden)

	rr = api.do(t, http.MethodGet, "/api/v1/ws/events?topic=volume:"+containerID, alice, nil)
	expectStatus(t, rr, http.StatusBadRequest)

	rr = api.do(t, http.MethodGet, "/api/v1/events/stream?topic=deployment:missing", alice, nil)
	expectStatus(t, rr, http.StatusNotFound)
}

func TestServiceErrorMapping(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.Validationf("bad"), http.StatusBadRequest, codeValidation},
		{domain.ErrUnauthenticated, http.StatusUnauthorized, codeUnauthenticated},
		{domain.Forbiddenf("no"), http.StatusForbidden, codeForbidden},
		{domain.NotFoundf("container x"), http.StatusNotFound, codeNotFound},
		{domain.Conflictf("busy"), http.StatusConflict, codeConflict},
		{fmt.Errorf("start: %w", domain.ErrOperationFailed), http.StatusBadGateway, codeOperationFailed},
		{errors.New("pq: password authentication failed"), http.StatusInternalServerError, codeInternal},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeServiceError(rr, log, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
		body := decodeError(t, rr)
		if body.Code != tc.code || body.Retryable {
			t.Fatalf("%v: unexpected body %+v", tc.err, body)
		}
		if tc.status == http.StatusInternalServerError && body.Error != "internal server error" {
			t.Fatalf("internal error text leaked: %q", body.Error)
		}
	}
}
