package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/gwerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRefresher struct {
	refreshed []int
	errs      map[int]error
}

func (s *stubRefresher) ForceRefresh(ctx context.Context, tenantID int) (string, error) {
	if err, found := s.errs[tenantID]; found {
		return "", err
	}
	s.refreshed = append(s.refreshed, tenantID)
	return "at-new", nil
}

type stubIndex struct {
	tenantIDs []int
	gotUntil  time.Time
}

func (s *stubIndex) GetExpiringCredentialTenantIDs(ctx context.Context, until time.Time) ([]int, error) {
	s.gotUntil = until
	return s.tenantIDs, nil
}

func TestSweepRefreshesExpiringTenants(t *testing.T) {
	refresher := &stubRefresher{}
	index := &stubIndex{tenantIDs: []int{1, 2, 3}}
	s, err := NewSweeper(
		WithConfig(config.SweeperConfig{IntervalMinutes: 5, WindowMinutes: 10}),
		WithTokenRefresher(refresher),
		WithExpiryIndex(index),
	)
	require.NoError(t, err)

	err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, refresher.refreshed)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), index.gotUntil, 5*time.Second)
}

func TestSweepSkipsRevokedTenants(t *testing.T) {
	refresher := &stubRefresher{errs: map[int]error{
		2: gwerrors.ErrReauthorizationRequired,
	}}
	index := &stubIndex{tenantIDs: []int{1, 2, 3}}
	s, err := NewSweeper(WithTokenRefresher(refresher), WithExpiryIndex(index))
	require.NoError(t, err)

	// a revoked tenant is skipped without failing the sweep
	err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, refresher.refreshed)
}

func TestSweepReportsFailures(t *testing.T) {
	refresher := &stubRefresher{errs: map[int]error{
		2: &gwerrors.RefreshError{Status: 503, Body: "down"},
	}}
	index := &stubIndex{tenantIDs: []int{1, 2, 3}}
	s, err := NewSweeper(WithTokenRefresher(refresher), WithExpiryIndex(index))
	require.NoError(t, err)

	// the other tenants are still refreshed even though one fails
	err = s.Sweep(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []int{1, 3}, refresher.refreshed)
}

func TestNewSweeperValidation(t *testing.T) {
	_, err := NewSweeper()
	assert.Error(t, err)
	_, err = NewSweeper(WithTokenRefresher(&stubRefresher{}))
	assert.Error(t, err)
	_, err = NewSweeper(WithTokenRefresher(&stubRefresher{}), WithExpiryIndex(&stubIndex{}))
	assert.NoError(t, err)
}

func TestGetScheduler(t *testing.T) {
	s, err := NewSweeper(WithTokenRefresher(&stubRefresher{}), WithExpiryIndex(&stubIndex{}))
	require.NoError(t, err)
	scheduler, err := s.GetScheduler()
	require.NoError(t, err)
	assert.Equal(t, 1, len(scheduler.Jobs()))
}
