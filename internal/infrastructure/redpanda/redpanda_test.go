package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "source", Value: []byte("api")}}}
	injectTraceHeaders(ctx, record)

	want := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	if got := (recordCarrier{record: record}).Get("traceparent"); got != want {
		t.Fatalf("traceparent = %q, want %q", got, want)
	}

	extracted := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if extracted.TraceID() != traceID || extracted.SpanID() != spanID {
		t.Errorf("extracted span context = %v", extracted)
	}
}

func TestRecordCarrierSetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := recordCarrier{record: record}
	c.Set("k", "1")
	c.Set("k", "2")
	if len(record.Headers) != 1 || c.Get("k") != "2" {
		t.Errorf("headers = %+v", record.Headers)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "k" {
		t.Errorf("keys = %v", keys)
	}
	if c.Get("missing") != "" {
		t.Error("missing header should be empty")
	}
}

func TestToMessage(t *testing.T) {
	ts := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	msg := toMessage(&kgo.Record{
		Topic:     TopicRequests,
		Partition: 2,
		Offset:    41,
		Key:       []byte("req-1"),
		Value:     []byte(`{}`),
		Headers:   []kgo.RecordHeader{{Key: "client_id", Value: []byte("clinic-a")}},
		Timestamp: ts,
	})
	if msg.Topic != TopicRequests || msg.Offset != 41 || string(msg.Key) != "req-1" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Headers["client_id"] != "clinic-a" || !msg.Timestamp.Equal(ts) {
		t.Errorf("headers/timestamp = %v %v", msg.Headers, msg.Timestamp)
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	want := map[string]bool{TopicCalculations: true, TopicRequests: true, TopicResults: true, TopicDeadLetter: true}
	configs := DefaultTopicConfigs()
	if len(configs) != len(want) {
		t.Fatalf("got %d topics", len(configs))
	}
	for _, c := range configs {
		if !want[c.Name] {
			t.Errorf("unexpected topic %s", c.Name)
		}
		if c.Partitions < 1 || c.Configs["retention.ms"] == nil {
			t.Errorf("topic %s misconfigured: %+v", c.Name, c)
		}
	}
}

func TestCompressionCodec(t *testing.T) {
	for _, name := range []string{"lz4", "snappy", "gzip", "zstd"} {
		if _, ok := compressionCodec(name); !ok {
			t.Errorf("%s should be supported", name)
		}
	}
	if _, ok := compressionCodec("none"); ok {
		t.Error("unknown codec should not be applied")
	}
}
