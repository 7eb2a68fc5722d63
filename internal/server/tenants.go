package server

import (
	"context"

	"github.com/JakeFAU/listing-archiver/internal/queue"
	"github.com/JakeFAU/listing-archiver/internal/session"
	"github.com/JakeFAU/listing-archiver/internal/tenant"
)

// tenantView joins the per-tenant pieces of state for the admin API.
type tenantView struct {
	pool     *tenant.Pool
	limits   *tenant.Limits
	queue    *queue.Manager
	sessions *session.Registry
}

func (v tenantView) Active(ctx context.Context, clientID string) (int, error) {
	return v.pool.Active(ctx, clientID)
}

func (v tenantView) Limit(clientID string) int {
	return v.limits.Limit(clientID)
}

func (v tenantView) Pending(ctx context.Context, clientID string) ([]queue.Entry, error) {
	return v.queue.Pending(ctx, clientID)
}

func (v tenantView) Sessions(clientID string) []*session.Session {
	return v.sessions.Get(clientID)
}
