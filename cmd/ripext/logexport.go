package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// lineExporter writes every log record as one line of text
type lineExporter struct {
	mu sync.Mutex
	w  io.Writer
}

var _ sdklog.Exporter = (*lineExporter)(nil)

func newLoggerProvider(w io.Writer) *sdklog.LoggerProvider {
	exp := &lineExporter{w: w}
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
}

func (e *lineExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range records {
		var sb strings.Builder
		sb.WriteString(r.Timestamp().Format(time.RFC3339))
		sb.WriteByte(' ')
		sb.WriteString(r.Severity().String())
		sb.WriteByte(' ')
		sb.WriteString(r.Body().String())
		r.WalkAttributes(func(kv otellog.KeyValue) bool {
			fmt.Fprintf(&sb, " %s=%s", kv.Key, kv.Value.String())
			return true
		})
		sb.WriteByte('\n')
		if _, err := io.WriteString(e.w, sb.String()); err != nil {
			return err
		}
	}
	return nil
}

func (e *lineExporter) Shutdown(context.Context) error   { return nil }
func (e *lineExporter) ForceFlush(context.Context) error { return nil }
