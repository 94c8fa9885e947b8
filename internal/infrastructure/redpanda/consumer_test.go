package redpanda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func testConsumer(ctx context.Context, handler MessageHandler) *Consumer {
	return &Consumer{
		config:  ConsumerConfig{MaxAttempts: 2, RetryBackoff: time.Millisecond},
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("consumer-test"),
		handler: handler,
		ctx:     ctx,
	}
}

func TestProcessRecordFailureHandler(t *testing.T) {
	failing := func(ctx context.Context, msg *ConsumedMessage) error { return errors.New("poison") }

	tests := []struct {
		name        string
		failures    int
		stopAfter   int
		wantCommit  bool
		wantAttempt int
	}{
		{"dead-lettered first time", 0, 0, true, 1},
		{"dead-letter retried until it succeeds", 2, 0, true, 3},
		{"offset held when stopped", -1, 2, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			c := testConsumer(ctx, failing)
			calls := 0
			c.OnFailure = func(ctx context.Context, msg *ConsumedMessage, err error) error {
				calls++
				if tt.stopAfter > 0 && calls >= tt.stopAfter {
					cancel()
				}
				if tt.failures < 0 || calls <= tt.failures {
					return errors.New("broker down")
				}
				return nil
			}

			if got := c.processRecord(&kgo.Record{Topic: TopicRequests, Offset: 4}); got != tt.wantCommit {
				t.Errorf("commit = %v, want %v", got, tt.wantCommit)
			}
			if calls != tt.wantAttempt {
				t.Errorf("failure handler calls = %d, want %d", calls, tt.wantAttempt)
			}
		})
	}
}

func TestProcessRecordSuccessSkipsFailureHandler(t *testing.T) {
	c := testConsumer(context.Background(), func(ctx context.Context, msg *ConsumedMessage) error { return nil })
	c.OnFailure = func(ctx context.Context, msg *ConsumedMessage, err error) error {
		t.Error("failure handler should not run")
		return nil
	}
	if !c.processRecord(&kgo.Record{Topic: TopicRequests}) {
		t.Error("handled record should be committed")
	}
}
