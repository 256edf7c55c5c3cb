package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, client := StartSpan(context.Background(), "driver.execute", AttrStatement.String("RETURN 1"))
	h := http.Header{}
	Inject(ctx, h)
	if h.Get("traceparent") == "" {
		t.Fatal("traceparent header not injected")
	}

	r, _ := http.NewRequest("POST", "/db/cypher", nil)
	r.Header = h
	_, server := StartServerSpan(r, "server.statement")
	SetSpanError(server, errors.New("boom"))
	server.End()
	SetSpanOK(client)
	client.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Parent().TraceID() != spans[1].SpanContext().TraceID() {
		t.Error("server span did not continue the client trace")
	}
	if spans[0].Status().Code != codes.Error || spans[1].Status().Code != codes.Ok {
		t.Errorf("unexpected statuses %v, %v", spans[0].Status(), spans[1].Status())
	}
}
