// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of audit spans.
const TracerName = "github.com/telekom/csvaudit/pkg/audit"

func startSpan(ctx context.Context, operation, topic string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "audit."+operation,
		trace.WithAttributes(attribute.String("audit.topic", topic)))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	span.End()
}
