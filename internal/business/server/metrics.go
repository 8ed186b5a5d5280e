package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	slogctx "github.com/veqryn/slog-context"

	"github.com/nutrilog/nutrilog/internal/channel"
	"github.com/nutrilog/nutrilog/internal/config"
)

// Values of the "event" attribute of the auth.events counter.
const (
	eventLoginStarted      = "login_started"
	eventCallbackSucceeded = "callback_succeeded"
	eventCallbackFailed    = "callback_failed"
	eventRefreshSucceeded  = "refresh_succeeded"
	eventRefreshFailed     = "refresh_failed"
	eventVerifyRejected    = "verify_rejected"
	eventLogout            = "logout"
)

type meters struct {
	app        commoncfg.Application
	counter    metric.Int64Counter
	hist       metric.Int64Histogram
	authEvents metric.Int64Counter
	tracer     trace.Tracer
}

func initMeters(ctx context.Context, cfg *config.Config) (*meters, error) {
	meter := otel.Meter(
		"nutrilog/"+cfg.Application.Name,
		metric.WithInstrumentationVersion(otel.Version()),
		metric.WithInstrumentationAttributes(otlp.CreateAttributesFrom(cfg.Application)...),
	)

	m := &meters{
		app:    cfg.Application,
		tracer: otel.Tracer("HTTPServer", trace.WithInstrumentationAttributes(otlp.CreateAttributesFrom(cfg.Application)...)),
	}

	var err error

	m.counter, err = meter.Int64Counter(
		"http.request_count",
		metric.WithDescription("Incoming request count"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return nil, oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating request_count meter")
	}

	m.hist, err = meter.Int64Histogram(
		"http.duration",
		metric.WithDescription("Incoming end to end duration"),
		metric.WithUnit("milliseconds"),
	)
	if err != nil {
		return nil, oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating duration meter")
	}

	m.authEvents, err = meter.Int64Counter(
		"auth.events",
		metric.WithDescription("Login, callback, refresh and logout outcomes"),
		metric.WithUnit("event"),
	)
	if err != nil {
		return nil, oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating auth.events meter")
	}

	return m, nil
}

func (m *meters) recordAuthEvent(ctx context.Context, event string, ch channel.Channel) {
	m.authEvents.Add(ctx, 1, metric.WithAttributes(
		otlp.CreateAttributesFrom(m.app,
			attribute.String("event", event),
			attribute.String("channel", ch.String()),
		)...,
	))
}

// traceMiddleware covers every route with a request id, a span and the
// request metrics. The operation is the matched chi route pattern.
func (m *meters) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := slogctx.With(r.Context(),
			commoncfg.AttrRequestID, uuid.NewString(),
		)

		parentCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

		ctx, span := m.tracer.Start(parentCtx, "http-request",
			trace.WithAttributes(otlp.CreateAttributesFrom(m.app)...))
		defer span.End()

		requestStartTime := time.Now()

		slogctx.Debug(ctx, fmt.Sprintf("Processing %s %s request", r.Method, r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ctx))

		operation := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			operation = rctx.RoutePattern()
		}
		span.SetName(operation + "-span")

		// Metrics logic
		attrs := metric.WithAttributes(
			otlp.CreateAttributesFrom(m.app,
				attribute.String("userAgent", r.UserAgent()),
				attribute.String(commoncfg.AttrOperation, operation),
			)...,
		)

		m.counter.Add(ctx, 1, attrs)
		m.hist.Record(ctx, time.Since(requestStartTime).Milliseconds(), attrs)

		slogctx.Debug(ctx, fmt.Sprintf("Finished %s request", operation))
	})
}
