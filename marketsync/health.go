package marketsync

import (
	"context"

	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/sellerdesk/marketbot_backend/models"
)

type HealthResult int

const (
	HealthValid HealthResult = iota
	HealthInvalidRemoved
	HealthIndeterminate
)

// CredentialHealthMonitor probes a cabinet's token before each sync and, on a
// confirmed rejection, removes everything the cabinet owns and notifies the
// users who were watching it.
//
// The asymmetry is deliberate: data removal is the safety-critical half
// (stale rows under a dead token must not linger), the notice is best-effort.
// And only a confirmed 401 may delete; a probe that failed on the network is
// indeterminate and the sync proceeds as if the token were valid.
type CredentialHealthMonitor struct {
	limiters *CategoryLimiters
	pipeline *NotificationPipeline
}

func NewCredentialHealthMonitor(limiters *CategoryLimiters, pipeline *NotificationPipeline) *CredentialHealthMonitor {
	return &CredentialHealthMonitor{limiters: limiters, pipeline: pipeline}
}

// ValidateAndCleanup returns HealthValid or HealthIndeterminate when the sync
// should proceed, HealthInvalidRemoved when the cabinet is gone.
func (m *CredentialHealthMonitor) ValidateAndCleanup(ctx context.Context, cabinet models.Cabinet) (HealthResult, error) {
	settings := config.GetSyncSettings()
	client, err := newMarketClient(cabinet.ApiToken, m.limiters, settings)
	if err != nil {
		// an empty stored token is as confirmed as a 401
		return m.remove(ctx, cabinet)
	}

	switch client.ValidateCredential(ctx) {
	case CredentialValid:
		return HealthValid, nil
	case CredentialIndeterminate:
		return HealthIndeterminate, nil
	default:
		return m.remove(ctx, cabinet)
	}
}

func (m *CredentialHealthMonitor) remove(ctx context.Context, cabinet models.Cabinet) (HealthResult, error) {
	removal, err := models.DeleteCabinetCascade(ctx, cabinet.ID)
	if err != nil {
		return HealthIndeterminate, err
	}

	// deletion is committed; notices from here on are best-effort
	m.pipeline.NotifyCabinetRemoved(ctx, removal)
	return HealthInvalidRemoved, nil
}
