package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine/enginetest"
	"github.com/fahrettinrizaergin/docker-manager/internal/lock"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository/memory"
	"github.com/fahrettinrizaergin/docker-manager/internal/resilience"
	"github.com/fahrettinrizaergin/docker-manager/pkg/config"
	"github.com/fahrettinrizaergin/docker-manager/pkg/crypto"
)

type fixture struct {
	svc   Service
	store *memory.Store
	fake  *enginetest.Fake
	dials *atomic.Int32
	seen  chan engine.Target
}

func setup(t *testing.T) fixture {
	t.Helper()
	store := memory.New()
	fake := enginetest.New()
	dials := &atomic.Int32{}
	seen := make(chan engine.Target, 16)
	dial := func(ctx context.Context, target engine.Target) (engine.Runtime, error) {
		dials.Add(1)
		select {
		case seen <- target:
		default:
		}
		return fake, nil
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	breakers := resilience.NewBreakers(3, time.Minute, engine.Unreachable)
	pool := engine.NewPool(dial, breakers, engine.GuardConfig{OpTimeout: time.Second}, log)
	sealer, err := crypto.NewSealer("test-key")
	require.NoError(t, err)

	svc, err := New(store, pool, sealer, lock.NewMemory(), config.NodeConfig{HealthTimeout: time.Second, StaleAfter: time.Minute}, log)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return fixture{svc: svc, store: store, fake: fake, dials: dials, seen: seen}
}

func (f fixture) register(t *testing.T, name string) *domain.Node {
	t.Helper()
	n, err := f.svc.Register(context.Background(), RegisterInput{Name: name, Host: "tcp://10.0.0.1:2376"})
	require.NoError(t, err)
	return n
}

func TestRegisterValidatesAndSealsKeys(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterInput{Name: "bad", Host: "http://10.0.0.1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Register(ctx, RegisterInput{Name: "half-tls", Host: "tcp://10.0.0.1:2376", TLSCert: "cert"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	n, err := f.svc.Register(ctx, RegisterInput{Name: "edge", Host: "ssh://deploy@10.0.0.9", SSHKey: "PRIVATE KEY"})
	require.NoError(t, err)
	assert.Equal(t, domain.NodeUnknown, n.Status)
	assert.Equal(t, domain.DefaultSSHPort, n.SSHPort)
	assert.NotContains(t, string(n.SSHKey), "PRIVATE KEY")

	_, err = f.svc.Register(ctx, RegisterInput{Name: "edge", Host: "tcp://10.0.0.2:2376"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.svc.TestConnection(ctx, n.ID)
	require.NoError(t, err)
	target := <-f.seen
	assert.Equal(t, "PRIVATE KEY", string(target.SSHKey))
}

func TestTestConnectionRecordsOutcome(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n := f.register(t, "edge")

	res, err := f.svc.TestConnection(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOnline, res.Status)

	stored, err := f.store.GetNodeByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOnline, stored.Status)
	assert.Equal(t, "27.3.1", stored.DockerVersion)
	require.NotNil(t, stored.LastCheckedAt)

	f.fake.Fail("ping", errors.New("connection refused"))
	res, err = f.svc.TestConnection(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOffline, res.Status)
	assert.NotEmpty(t, res.Error)

	got, err := f.svc.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOffline, got.Status)
}

func TestConcurrentChecksAreCoalesced(t *testing.T) {
	f := setup(t)
	n := f.register(t, "edge")

	release := make(chan struct{})
	var pings atomic.Int32
	f.fake.Hook("ping", func(ctx context.Context) error {
		pings.Add(1)
		<-release
		return nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.TestConnection(context.Background(), n.ID)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), pings.Load())
}

func TestEnsureReadyChecksStaleNodes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n := f.register(t, "edge")

	ready, err := f.svc.EnsureReady(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOnline, ready.Status)
	assert.Equal(t, []string{"ping"}, f.fake.Ops())

	_, err = f.svc.EnsureReady(ctx, n.ID)
	require.NoError(t, err)
	assert.Len(t, f.fake.Ops(), 1, "a fresh check is reused")

	later := time.Now().Add(2 * time.Minute)
	f.svc.now = func() time.Time { return later }
	f.fake.Fail("ping", errors.New("connection refused"))
	_, err = f.svc.EnsureReady(ctx, n.ID)
	assert.ErrorIs(t, err, domain.ErrNodeUnreachable)
	assert.True(t, domain.IsRetryable(err))
}

func TestStaleNodeReportsUnknown(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n := f.register(t, "edge")
	_, err := f.svc.TestConnection(ctx, n.ID)
	require.NoError(t, err)
	f.svc.health.Del(n.ID)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	got, err := f.svc.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeUnknown, got.Status)
}

func TestPruneAndReloadRedis(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n := f.register(t, "edge")
	f.fake.Pruned = domain.PruneReport{ItemsDeleted: []string{"sha256:abc"}, SpaceReclaimed: 2048}

	_, err := f.svc.Prune(ctx, n.ID, "everything")
	assert.ErrorIs(t, err, domain.ErrValidation)

	report, err := f.svc.Prune(ctx, n.ID, domain.PruneImages)
	require.NoError(t, err)
	assert.Equal(t, domain.PruneImages, report.Kind)
	assert.Equal(t, uint64(2048), report.SpaceReclaimed)

	assert.ErrorIs(t, f.svc.ReloadRedis(ctx, n.ID), domain.ErrOperationFailed)
	redis := f.fake.Add(RedisContainerName, "exited")
	require.NoError(t, f.svc.ReloadRedis(ctx, n.ID))
	assert.Equal(t, "running", f.fake.State(redis))
}

func TestUpdateRedialsAndDeleteDetaches(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n := f.register(t, "edge")
	_, err := f.svc.TestConnection(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.dials.Load())

	host := "tcp://10.0.0.2:2376"
	_, err = f.svc.Update(ctx, n.ID, UpdateInput{Host: &host})
	require.NoError(t, err)
	_, err = f.svc.TestConnection(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.dials.Load())

	require.NoError(t, f.store.CreateOrganization(ctx, &domain.Organization{ID: "o", Slug: "o", OwnerID: "u"}, domain.OrganizationMember{UserID: "u", Role: domain.MemberRoleOwner}))
	require.NoError(t, f.store.CreateProject(ctx, &domain.Project{ID: "p", OrganizationID: "o", Slug: "p"}))
	node := n.ID
	require.NoError(t, f.store.CreateContainer(ctx, &domain.Container{ID: "c", ProjectID: "p", Slug: "c", NodeID: &node, Status: domain.StatusRunning}))

	release, err := f.svc.locks.TryAcquire(ctx, lock.ContainerKey("c"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Delete(ctx, n.ID), domain.ErrConflict)
	_, err = f.store.GetNodeByID(ctx, n.ID)
	require.NoError(t, err)
	release()

	require.NoError(t, f.svc.Delete(ctx, n.ID))
	c, err := f.store.GetContainerByID(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, c.NodeID)
	assert.Equal(t, domain.StatusStopped, c.Status)
}

func TestCheckAllSweepsEveryNode(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.register(t, "a")
	b := f.register(t, "b")

	require.NoError(t, f.svc.CheckAll(ctx))
	for _, id := range []string{a.ID, b.ID} {
		res, err := f.svc.Health(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.NodeOnline, res.Status)
	}
}
