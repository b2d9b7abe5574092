package search

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "rubric/internal/platform/search"

// Metrics holds the collectors recorded by an instrumented Wrapper.
type Metrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rubric",
				Subsystem: "index",
				Name:      "operations_total",
				Help:      "Index operations by operation and result",
			},
			[]string{"op", "result"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rubric",
				Subsystem: "index",
				Name:      "operation_duration_seconds",
				Help:      "Index operation latency in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"op"},
		),
	}
	for _, c := range []prometheus.Collector{m.Operations, m.Duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

type instrumented struct {
	next    Wrapper
	metrics *Metrics
	tracer  trace.Tracer
}

// Instrument wraps w so every call is counted, timed, and traced through the
// global otel tracer provider.
func Instrument(w Wrapper, metrics *Metrics) Wrapper {
	return &instrumented{next: w, metrics: metrics, tracer: otel.Tracer(tracerName)}
}

func (i *instrumented) EnsureIndex(ctx context.Context, index string, mapping json.RawMessage) error {
	ctx, done := i.start(ctx, "ensure_index", index)
	err := i.next.EnsureIndex(ctx, index, mapping)
	done(err)
	return err
}

func (i *instrumented) Upsert(ctx context.Context, index string, doc Document, opts ...WriteOption) (Document, error) {
	ctx, done := i.start(ctx, "upsert", index, attribute.String("search.document_id", doc.ID))
	out, err := i.next.Upsert(ctx, index, doc, opts...)
	done(err)
	return out, err
}

func (i *instrumented) Get(ctx context.Context, index, id string) (Document, error) {
	ctx, done := i.start(ctx, "get", index, attribute.String("search.document_id", id))
	out, err := i.next.Get(ctx, index, id)
	done(err)
	return out, err
}

func (i *instrumented) Search(ctx context.Context, index string, query Query) ([]Document, error) {
	ctx, done := i.start(ctx, "search", index, attribute.Int("search.filters", len(query.Filters)))
	out, err := i.next.Search(ctx, index, query)
	done(err)
	return out, err
}

func (i *instrumented) Delete(ctx context.Context, index, id string, opts ...WriteOption) error {
	ctx, done := i.start(ctx, "delete", index, attribute.String("search.document_id", id))
	err := i.next.Delete(ctx, index, id, opts...)
	done(err)
	return err
}

func (i *instrumented) Refresh(ctx context.Context, index string) error {
	ctx, done := i.start(ctx, "refresh", index)
	err := i.next.Refresh(ctx, index)
	done(err)
	return err
}

func (i *instrumented) Close() error {
	return i.next.Close()
}

func (i *instrumented) start(ctx context.Context, op, index string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("search.index", index))
	ctx, span := i.tracer.Start(ctx, "search."+op, trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, func(err error) {
		i.metrics.Duration.WithLabelValues(op).Observe(time.Since(began).Seconds())
		i.metrics.Operations.WithLabelValues(op, result(err)).Inc()
		if err != nil && result(err) != "not_found" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
