// Package sweeper proactively refreshes tenant credentials that are about to
// expire so interactive requests rarely pay the refresh round trip.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/gwerrors"
)

// TokenRefresher refreshes the credential of a single tenant.
type TokenRefresher interface {
	ForceRefresh(ctx context.Context, tenantID int) (string, error)
}

// ExpiryIndex lists the tenants whose credentials expire before a deadline.
type ExpiryIndex interface {
	GetExpiringCredentialTenantIDs(ctx context.Context, until time.Time) ([]int, error)
}

type Sweeper struct {
	intervalMinutes int
	windowMinutes   int

	tokens TokenRefresher
	index  ExpiryIndex
}

func (s *Sweeper) GetScheduler() (*gocron.Scheduler, error) {
	scheduler := gocron.NewScheduler(time.UTC)

	sweepTask := func(job gocron.Job) {
		err := s.Sweep(job.Context())
		if err != nil {
			slog.Error("SWEEPER", "message", "sweep failed", "error", err)
		}
	}

	_, err := scheduler.Every(s.intervalMinutes).
		Minutes().
		DoWithJobDetails(sweepTask)
	if err != nil {
		return nil, err
	}
	return scheduler, nil
}

// Sweep refreshes every credential expiring within the window. A tenant whose
// refresh token was revoked is skipped, its credential was already cleared and
// only a new authorization can bring it back.
func (s *Sweeper) Sweep(ctx context.Context) error {
	until := time.Now().Add(time.Duration(s.windowMinutes) * time.Minute)
	tenantIDs, err := s.index.GetExpiringCredentialTenantIDs(ctx, until)
	if err != nil {
		slog.Error("SWEEPER", "message", "GetExpiringCredentialTenantIDs failed", "error", err)
		return err
	}
	errorTenantIDs := []int{}
	for _, tenantID := range tenantIDs {
		_, err := s.tokens.ForceRefresh(ctx, tenantID)
		if err != nil {
			if errors.Is(err, gwerrors.ErrReauthorizationRequired) || errors.Is(err, gwerrors.ErrNotConnected) {
				slog.Info(
					"SWEEPER",
					"message", "tenant needs to reauthorize, skipping",
					"tenantID", tenantID,
				)
				continue
			}
			slog.Error("SWEEPER", "message", "ForceRefresh failed", "error", err, "tenantID", tenantID)
			errorTenantIDs = append(errorTenantIDs, tenantID)
			continue
		}
	}

	slog.Info(
		"SWEEPER", "message",
		fmt.Sprintf(
			"%v/%v expiring credentials refreshed",
			len(tenantIDs)-len(errorTenantIDs),
			len(tenantIDs),
		),
	)

	if len(errorTenantIDs) != 0 {
		return fmt.Errorf("some tenant credentials could not be refreshed %v", errorTenantIDs)
	}
	return nil
}

type SweeperOption func(*Sweeper) error

func WithConfig(sweeperConfig config.SweeperConfig) SweeperOption {
	return func(s *Sweeper) error {
		if sweeperConfig.IntervalMinutes > 0 {
			s.intervalMinutes = sweeperConfig.IntervalMinutes
		}
		if sweeperConfig.WindowMinutes > 0 {
			s.windowMinutes = sweeperConfig.WindowMinutes
		}
		return nil
	}
}

func WithTokenRefresher(tokens TokenRefresher) SweeperOption {
	return func(s *Sweeper) error {
		s.tokens = tokens
		return nil
	}
}

func WithExpiryIndex(index ExpiryIndex) SweeperOption {
	return func(s *Sweeper) error {
		s.index = index
		return nil
	}
}

// NewSweeper creates a new Sweeper that periodically refreshes the
// credentials expiring soon.
func NewSweeper(options ...SweeperOption) (*Sweeper, error) {
	s := Sweeper{intervalMinutes: 5, windowMinutes: 10}
	for _, opt := range options {
		err := opt(&s)
		if err != nil {
			return &Sweeper{}, err
		}
	}
	if s.tokens == nil {
		return &Sweeper{}, fmt.Errorf("token refresher not initialized")
	}
	if s.index == nil {
		return &Sweeper{}, fmt.Errorf("expiry index not initialized")
	}
	return &s, nil
}
