package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ErikMinekus/sm-ripext/scheduler"

var (
	attrKind   = attribute.Key("ripext.transfer.kind")
	attrMethod = attribute.Key("http.request.method")
	attrStatus = attribute.Key("http.response.status_code")
	attrPath   = attribute.Key("ripext.submit.path")
)

type telemetry struct {
	tracer trace.Tracer

	submitted metric.Int64Counter
	admitted  metric.Int64Counter
	dropped   metric.Int64Counter
	completed metric.Int64Counter
	discarded metric.Int64Counter
	duration  metric.Float64Histogram
}

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*telemetry, error) {
	meter := mp.Meter(instrumentationName)
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	if t.submitted, err = meter.Int64Counter("ripext.transfers.submitted",
		metric.WithDescription("Transfers handed to the scheduler"),
		metric.WithUnit("{transfer}")); err != nil {
		return nil, err
	}
	if t.admitted, err = meter.Int64Counter("ripext.transfers.admitted",
		metric.WithDescription("Transfers prepared and added to the engine"),
		metric.WithUnit("{transfer}")); err != nil {
		return nil, err
	}
	if t.dropped, err = meter.Int64Counter("ripext.transfers.dropped",
		metric.WithDescription("Transfers dropped because setup failed"),
		metric.WithUnit("{transfer}")); err != nil {
		return nil, err
	}
	if t.completed, err = meter.Int64Counter("ripext.transfers.completed",
		metric.WithDescription("Transfers finished by the engine"),
		metric.WithUnit("{transfer}")); err != nil {
		return nil, err
	}
	if t.discarded, err = meter.Int64Counter("ripext.transfers.discarded",
		metric.WithDescription("Transfers destroyed at shutdown without delivery"),
		metric.WithUnit("{transfer}")); err != nil {
		return nil, err
	}
	if t.duration, err = meter.Float64Histogram("ripext.transfer.duration",
		metric.WithDescription("Time from admission to completion"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *telemetry) onSubmit(c *Context, path string) {
	kind := attrKind.String(c.kind.String())
	_, c.span = t.tracer.Start(context.Background(), "ripext.transfer",
		trace.WithAttributes(kind, attrMethod.String(c.req.Method.String())))
	c.submitted = time.Now()
	t.submitted.Add(context.Background(), 1, metric.WithAttributes(kind, attrPath.String(path)))
}

func (t *telemetry) onAdmit(c *Context) {
	c.started = time.Now()
	if c.span != nil {
		c.span.AddEvent("admitted")
	}
	t.admitted.Add(context.Background(), 1, metric.WithAttributes(attrKind.String(c.kind.String())))
}

func (t *telemetry) onDrop(c *Context, err error) {
	if c.span != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, "setup failed")
	}
	t.dropped.Add(context.Background(), 1, metric.WithAttributes(attrKind.String(c.kind.String())))
}

func (t *telemetry) onComplete(c *Context) {
	kind := attrKind.String(c.kind.String())
	if c.span != nil {
		c.span.SetAttributes(attrStatus.Int(c.status))
		if c.errLen > 0 {
			c.span.SetStatus(codes.Error, c.Error())
		}
	}
	t.completed.Add(context.Background(), 1, metric.WithAttributes(kind))
	if !c.started.IsZero() {
		t.duration.Record(context.Background(), time.Since(c.started).Seconds(), metric.WithAttributes(kind))
	}
}

func (t *telemetry) onDiscard(c *Context) {
	if c.span != nil {
		c.span.SetStatus(codes.Error, "discarded at shutdown")
	}
	t.discarded.Add(context.Background(), 1, metric.WithAttributes(attrKind.String(c.kind.String())))
}
