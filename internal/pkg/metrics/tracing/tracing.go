package tracing

import (
	"context"

	"go.opencensus.io/trace"
)

// AddErrorEndSpan will end `span`.  If `err` is non-nil, it sets the span
// status to the error before ending. Usage:
//
//	defer tracing.AddErrorEndSpan(ctx, span, &err)
func AddErrorEndSpan(ctx context.Context, span *trace.Span, err *error) {
	if *err != nil {
		span.SetStatus(trace.Status{
			Code:    trace.StatusCodeUnknown,
			Message: (*err).Error(),
		})
	}
	span.End()
}
