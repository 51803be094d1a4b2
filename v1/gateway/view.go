package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
	"github.com/mirkobrombin/go-todolock/v1/lease"
	"github.com/mirkobrombin/go-todolock/v1/todo"
)

func lockState(l lease.Lease, held bool) todo.LockState {
	if !held {
		return todo.LockState{}
	}
	lockedAt, expiresAt := l.AcquiredAt, l.ExpiresAt
	return todo.LockState{
		Locked:    true,
		LockedBy:  l.Holder,
		LockedAt:  &lockedAt,
		ExpiresAt: &expiresAt,
	}
}

func conflict(l lease.Lease, now time.Time) *tlerrors.ConflictError {
	return &tlerrors.ConflictError{
		ItemID:     l.ItemID,
		HeldBy:     l.Holder,
		LockedAt:   l.AcquiredAt,
		ExpiresAt:  l.ExpiresAt,
		RetryAfter: l.Remaining(now),
	}
}

func startSpan(ctx context.Context, op, itemID, holder string) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if itemID != "" {
		attrs = append(attrs, attribute.String("item.id", itemID))
	}
	if holder != "" {
		attrs = append(attrs, attribute.String("holder", holder))
	}
	return tracer.Start(ctx, "todolock.gateway."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
