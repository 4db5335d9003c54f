package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/core"
)

// Expiry is the data attached to a scheduled approval timeout.
// It is passed by value so the callback can't observe later changes.
type Expiry struct {
	OwnerID    core.OwnerID
	ChatID     core.ChatID
	ExternalID core.ExternalID
	CreatedAt  time.Time
}

// ExpiryHandler is called when a marker times out before the user acted.
type ExpiryHandler func(ctx context.Context, e Expiry)

// Approvals tracks transcriptions waiting for the user to accept, edit or
// correct them.
type Approvals struct {
	markers   MarkerStore
	scheduler Scheduler
	timeout   time.Duration
	onExpire  ExpiryHandler
	logger    *zap.Logger
	now       func() time.Time
}

// NewApprovals creates Approvals that expire markers after timeout and
// then call onExpire. onExpire may be nil.
func NewApprovals(markers MarkerStore, scheduler Scheduler, timeout time.Duration, onExpire ExpiryHandler, opts ...Option) *Approvals {
	o := buildOptions(opts)
	if timeout <= 0 {
		timeout = DefaultConfig.ApprovalTimeout
	}
	return &Approvals{
		markers:   markers,
		scheduler: scheduler,
		timeout:   timeout,
		onExpire:  onExpire,
		logger:    o.logger.Named("approvals"),
		now:       o.now,
	}
}

// Await stores a marker for the displayed message and schedules its
// expiry.
func (a *Approvals) Await(ctx context.Context, owner core.OwnerID, chat core.ChatID, ext core.ExternalID) error {
	if !ext.Valid() {
		return ErrInvalidExternalID
	}
	e := Expiry{OwnerID: owner, ChatID: chat, ExternalID: ext, CreatedAt: a.now()}

	// The backend TTL only cleans up after a crash; the timer decides.
	if err := a.markers.PutMarker(ctx, owner, ext, e.CreatedAt, 2*a.timeout); err != nil {
		return fmt.Errorf("put marker: %w", err)
	}
	a.scheduler.Schedule(a.timeout, func(ctx context.Context) {
		a.expire(ctx, e)
	})
	return nil
}

// Resolve removes the marker because the user acted on the message.
// It reports whether a marker was still pending.
func (a *Approvals) Resolve(ctx context.Context, owner core.OwnerID, ext core.ExternalID) (bool, error) {
	ok, err := a.markers.TakeMarker(ctx, owner, ext, time.Time{})
	if err != nil {
		return false, fmt.Errorf("take marker: %w", err)
	}
	if ok {
		approvals.WithLabelValues("resolved").Inc()
	}
	return ok, nil
}

// Pending reports whether the message still waits for the user.
func (a *Approvals) Pending(ctx context.Context, owner core.OwnerID, ext core.ExternalID) (bool, error) {
	return a.markers.HasMarker(ctx, owner, ext)
}

// expire removes the marker created by the matching Await. A marker that
// was resolved or replaced in the meantime is left alone.
func (a *Approvals) expire(ctx context.Context, e Expiry) {
	ok, err := a.markers.TakeMarker(ctx, e.OwnerID, e.ExternalID, e.CreatedAt)
	if err != nil {
		a.logger.Warn("failed to expire marker",
			zap.Int64("owner_id", int64(e.OwnerID)),
			zap.Int64("ext_id", int64(e.ExternalID)),
			zap.Error(err))
		return
	}
	if !ok {
		approvals.WithLabelValues("stale").Inc()
		return
	}

	approvals.WithLabelValues("expired").Inc()
	a.logger.Debug("approval expired",
		zap.Int64("owner_id", int64(e.OwnerID)),
		zap.Int64("ext_id", int64(e.ExternalID)))
	if a.onExpire != nil {
		a.onExpire(ctx, e)
	}
}
