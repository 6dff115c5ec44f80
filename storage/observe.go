package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/critiquebrainz/cbauth/instrumentation"
)

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrGrantNotFound) ||
		errors.Is(err, ErrTokenNotFound)
}

// Observer wraps backend operations in spans and storage metrics.
// The zero value and a nil *Observer record nothing.
type Observer struct {
	backend string
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// NewObserver returns an Observer for the named backend ("memory", "sql", "valkey").
func NewObserver(backend string, inst *instrumentation.Instrumentation) *Observer {
	o := &Observer{backend: backend, inst: inst}
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
	return o
}

// Start begins operation and returns a function that ends it. Pass the
// address of the operation's error result:
//
//	ctx, done := s.obs.Start(ctx, "consume_grant")
//	defer done(&err)
//
// Not-found results are recorded as "not_found", not as span errors.
func (o *Observer) Start(ctx context.Context, operation string) (context.Context, func(*error)) {
	if o == nil || o.inst == nil {
		return ctx, func(*error) {}
	}

	ctx, span := o.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(attribute.String(instrumentation.AttrStorageOperation, operation)))
	instrumentation.AddStorageAttributes(span, operation, o.backend)
	start := time.Now()

	return ctx, func(errp *error) {
		defer span.End()

		var err error
		if errp != nil {
			err = *errp
		}

		result := "success"
		switch {
		case err == nil:
			instrumentation.SetSpanSuccess(span)
		case IsNotFound(err):
			result = "not_found"
			instrumentation.SetSpanSuccess(span)
		default:
			result = "error"
			instrumentation.RecordError(span, err)
		}
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))

		durationMs := float64(time.Since(start).Microseconds()) / 1000
		o.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	}
}
