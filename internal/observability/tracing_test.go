package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "parley-test"})
	defer shutdown(context.Background())

	ctx, span := tracer.TraceDispatch(context.Background(), "sess-1", "message.post")
	if ctx == nil {
		t.Fatal("nil context from Start")
	}
	if span.IsRecording() {
		t.Error("no-op tracer produced a recording span")
	}
	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)
	span.End()
}

func TestNewTracerShutdownIsSafe(t *testing.T) {
	_, shutdown := NewTracer(TraceConfig{})
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
