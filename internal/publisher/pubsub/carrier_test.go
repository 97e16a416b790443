package pubsub

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func TestCarrierRoundTripsTraceContext(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	prop := propagation.TraceContext{}
	carrier := &pubsubCarrier{attrs: map[string]string{}}
	prop.Inject(ctx, carrier)

	keys := carrier.Keys()
	sort.Strings(keys)
	require.Equal(t, []string{"traceparent"}, keys)

	extracted := prop.Extract(context.Background(), carrier)
	require.Equal(t, span.SpanContext().TraceID(), oteltrace.SpanContextFromContext(extracted).TraceID())
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	p := &Publisher{}
	require.Error(t, p.Publish(context.Background(), []byte("{}")))
	require.NoError(t, p.Close())
}
