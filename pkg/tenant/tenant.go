package tenant

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remlabs/remd/pkg/kv"
	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/types"
)

var (
	// ErrAuthPending is returned while the user has not approved yet.
	ErrAuthPending = errors.New("tenant: device authorization pending")

	// ErrAuthExpired is returned once the pairing window has passed.
	ErrAuthExpired = errors.New("tenant: device authorization expired")
)

const (
	deviceKeyPrefix = "device-auth:"
	userKeyPrefix   = "user-code:"

	authTTL = 10 * time.Minute
)

// Registry is the tenant persistence surface.
type Registry interface {
	UpsertTenant(ctx context.Context, t *types.Tenant) error
	GetTenant(ctx context.Context, id string) (*types.Tenant, error)
}

// Service registers tenants and drives device pairing.
type Service struct {
	registry Registry
	kv       kv.Store
	log      zerolog.Logger
}

// NewService builds a tenant service.
func NewService(registry Registry, store kv.Store) *Service {
	return &Service{registry: registry, kv: store, log: log.WithComponent("tenant")}
}

// Create registers a tenant. With an IMEI the id is deterministic, so
// re-registering the same device is an upsert, not a duplicate.
func (s *Service) Create(ctx context.Context, imei, email string) (*types.Tenant, error) {
	t := &types.Tenant{
		ID:    types.NewTenantID(imei),
		Email: email,
	}
	if err := s.registry.UpsertTenant(ctx, t); err != nil {
		return nil, err
	}
	s.log.Info().Str("tenant_id", t.ID).Bool("deterministic", imei != "").Msg("tenant registered")
	return t, nil
}

// Get fetches a tenant.
func (s *Service) Get(ctx context.Context, id string) (*types.Tenant, error) {
	return s.registry.GetTenant(ctx, id)
}

// DeviceAuth is an in-flight pairing attempt. The device polls with the
// device code; the user approves with the short user code.
type DeviceAuth struct {
	DeviceCode string    `json:"device_code"`
	UserCode   string    `json:"user_code"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type authState struct {
	UserCode  string    `json:"user_code"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Approved  bool      `json:"approved"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartDeviceAuth issues a new pairing attempt.
func (s *Service) StartDeviceAuth(ctx context.Context) (*DeviceAuth, error) {
	auth := &DeviceAuth{
		DeviceCode: uuid.NewString(),
		UserCode:   newUserCode(),
		ExpiresAt:  time.Now().Add(authTTL).UTC(),
	}
	state, err := json.Marshal(&authState{UserCode: auth.UserCode, ExpiresAt: auth.ExpiresAt})
	if err != nil {
		return nil, fmt.Errorf("failed to encode auth state: %w", err)
	}
	if err := s.kv.Put(ctx, deviceKeyPrefix+auth.DeviceCode, state, authTTL); err != nil {
		return nil, err
	}
	if err := s.kv.Put(ctx, userKeyPrefix+auth.UserCode, []byte(auth.DeviceCode), authTTL); err != nil {
		return nil, err
	}
	s.log.Info().Str("user_code", auth.UserCode).Msg("device authorization started")
	return auth, nil
}

// PollDeviceAuth checks a pairing attempt. It returns the tenant id once
// approved, ErrAuthPending before that and ErrAuthExpired after the TTL.
func (s *Service) PollDeviceAuth(ctx context.Context, deviceCode string) (string, error) {
	entry, err := s.kv.Get(ctx, deviceKeyPrefix+deviceCode)
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrAuthExpired
	}
	if err != nil {
		return "", err
	}
	var state authState
	if err := json.Unmarshal(entry.Value, &state); err != nil {
		return "", fmt.Errorf("corrupt auth state for %s: %w", deviceCode, err)
	}
	if time.Now().After(state.ExpiresAt) {
		return "", ErrAuthExpired
	}
	if !state.Approved {
		return "", ErrAuthPending
	}
	return state.TenantID, nil
}

// ApproveDeviceAuth binds a user code to a tenant. The device's next poll
// succeeds.
func (s *Service) ApproveDeviceAuth(ctx context.Context, userCode, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant: tenant_id is empty")
	}
	entry, err := s.kv.Get(ctx, userKeyPrefix+userCode)
	if errors.Is(err, kv.ErrNotFound) {
		return ErrAuthExpired
	}
	if err != nil {
		return err
	}
	deviceCode := string(entry.Value)

	deviceEntry, err := s.kv.Get(ctx, deviceKeyPrefix+deviceCode)
	if errors.Is(err, kv.ErrNotFound) {
		return ErrAuthExpired
	}
	if err != nil {
		return err
	}
	var state authState
	if err := json.Unmarshal(deviceEntry.Value, &state); err != nil {
		return fmt.Errorf("corrupt auth state for %s: %w", deviceCode, err)
	}
	state.Approved = true
	state.TenantID = tenantID

	value, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("failed to encode auth state: %w", err)
	}
	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		return ErrAuthExpired
	}
	if err := s.kv.Put(ctx, deviceKeyPrefix+deviceCode, value, ttl); err != nil {
		return err
	}
	s.log.Info().Str("tenant_id", tenantID).Msg("device authorization approved")
	return nil
}

// userCodeAlphabet omits ambiguous characters.
const userCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func newUserCode() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	for i := range buf {
		buf[i] = userCodeAlphabet[int(buf[i])%len(userCodeAlphabet)]
	}
	return string(buf[:4]) + "-" + string(buf[4:])
}
