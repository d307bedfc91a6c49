package api

import (
	"context"
	"net/http"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const viewerSpanName = "treemirror.viewer"

// viewerStats are the per-connection counters attached to the viewer span
// when it ends.
type viewerStats struct {
	requests    int
	rejected    int
	rateLimited int
}

// startViewerSpan opens a server span that lives as long as one viewer
// connection. Trace context is taken from the upgrade request headers.
func startViewerSpan(r *http.Request, roots int) (context.Context, trace.Span) {
	ctx := r.Context()
	ctx = otelapi.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))
	return otelapi.Tracer("treemirror/ws").Start(ctx, viewerSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.route", "/ws"),
			attribute.String("http.target", redactedTarget(r)),
			attribute.String("net.peer.addr", r.RemoteAddr),
			attribute.String("user_agent", r.UserAgent()),
			attribute.Int("treemirror.roots", roots),
		),
	)
}

func endViewerSpan(span trace.Span, stats viewerStats, err error) {
	span.SetAttributes(
		attribute.Int("treemirror.requests", stats.requests),
		attribute.Int("treemirror.requests_rejected", stats.rejected),
		attribute.Int("treemirror.requests_rate_limited", stats.rateLimited),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// redactedTarget drops the token query parameter from the request URI.
func redactedTarget(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	target := *r.URL
	query := target.Query()
	if !query.Has("token") {
		return target.RequestURI()
	}
	query.Del("token")
	target.RawQuery = query.Encode()
	return target.RequestURI()
}
