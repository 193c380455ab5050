package tenant

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remlabs/remd/pkg/kv"
	"github.com/remlabs/remd/pkg/types"
)

type memRegistry struct {
	mu      sync.Mutex
	tenants map[string]*types.Tenant
	upserts int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{tenants: make(map[string]*types.Tenant)}
}

func (r *memRegistry) UpsertTenant(_ context.Context, t *types.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tenants[t.ID] = &cp
	r.upserts++
	return nil
}

func (r *memRegistry) GetTenant(_ context.Context, id string) (*types.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return t, nil
}

func newTestService(t *testing.T) (*Service, *memRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	registry := newMemRegistry()
	return NewService(registry, store), registry, mr
}

func TestCreateWithIMEIIsDeterministic(t *testing.T) {
	svc, registry, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, "356938035643809", "a@example.com")
	require.NoError(t, err)
	second, err := svc.Create(ctx, "356938035643809", "a@example.com")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-registering the same device is an upsert")
	assert.Equal(t, types.NewTenantID("356938035643809"), first.ID)
	assert.Len(t, registry.tenants, 1)
	assert.Equal(t, 2, registry.upserts)
}

func TestCreateWithoutIMEIIsUnique(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, "", "a@example.com")
	require.NoError(t, err)
	second, err := svc.Create(ctx, "", "b@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)
}

func TestDeviceAuthFlow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	auth, err := svc.StartDeviceAuth(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, auth.DeviceCode)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z2-9]{4}-[A-Z2-9]{4}$`), auth.UserCode)

	_, err = svc.PollDeviceAuth(ctx, auth.DeviceCode)
	assert.ErrorIs(t, err, ErrAuthPending)

	require.NoError(t, svc.ApproveDeviceAuth(ctx, auth.UserCode, "tenant-a"))

	tenantID, err := svc.PollDeviceAuth(ctx, auth.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenantID)
}

func TestPollUnknownDeviceCodeIsExpired(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.PollDeviceAuth(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestApproveUnknownUserCodeIsExpired(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.ApproveDeviceAuth(context.Background(), "XXXX-XXXX", "tenant-a")
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestApproveRefusesEmptyTenant(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	auth, err := svc.StartDeviceAuth(ctx)
	require.NoError(t, err)
	assert.Error(t, svc.ApproveDeviceAuth(ctx, auth.UserCode, ""))
}

func TestDeviceAuthExpires(t *testing.T) {
	svc, _, mr := newTestService(t)
	ctx := context.Background()

	auth, err := svc.StartDeviceAuth(ctx)
	require.NoError(t, err)

	mr.FastForward(authTTL + time.Minute)

	_, err = svc.PollDeviceAuth(ctx, auth.DeviceCode)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.ErrorIs(t, svc.ApproveDeviceAuth(ctx, auth.UserCode, "tenant-a"), ErrAuthExpired)
}
