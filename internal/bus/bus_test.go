package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

func waitFor(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicReportSubmitted, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicReportSubmitted, []byte(`{"reportId":"rep-1"}`)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg, time.Second)

		if string(receivedMsg.Payload) != `{"reportId":"rep-1"}` {
			t.Errorf("unexpected payload %q", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicReportSubmitted {
			t.Errorf("expected topic %s, got %s", domain.TopicReportSubmitted, receivedMsg.Topic)
		}
		if receivedMsg.ID == "" || receivedMsg.Timestamp == 0 {
			t.Error("message envelope should carry an id and a timestamp")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var analyses, batches atomic.Int32

		bus.Subscribe(ctx, domain.TopicAnalysisCompleted, func(ctx context.Context, msg *domain.Message) error {
			analyses.Add(1)
			return nil
		})
		bus.Subscribe(ctx, domain.TopicBatchIssued, func(ctx context.Context, msg *domain.Message) error {
			batches.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicAnalysisCompleted, []byte("a"))
		time.Sleep(50 * time.Millisecond)

		if analyses.Load() != 1 {
			t.Errorf("analysis subscriber should receive 1 message, got %d", analyses.Load())
		}
		if batches.Load() != 0 {
			t.Errorf("batch subscriber should receive 0 messages, got %d", batches.Load())
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", []byte("data")); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty topic, got %v", err)
		}

		_, err := bus.Subscribe(ctx, "", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty topic, got %v", err)
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		sub.Unsubscribe()

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}

		bus.mu.RLock()
		_, stillThere := bus.subscriptions["unsub.topic"]
		bus.mu.RUnlock()
		if stillThere {
			t.Error("unsubscribed topic should be removed from the bus")
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return errors.New("handler errors are logged, not propagated")
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("TraceIDInMetadata", func(t *testing.T) {
		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		spanCtx := trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID,
			SpanID:  spanID,
		}))

		var got string
		var wg sync.WaitGroup
		wg.Add(1)
		bus.Subscribe(ctx, "traced.topic", func(ctx context.Context, msg *domain.Message) error {
			got = msg.Metadata[domain.MetadataTraceID]
			wg.Done()
			return nil
		})

		bus.Publish(spanCtx, "traced.topic", nil)
		waitFor(t, &wg, time.Second)

		if got != traceID.String() {
			t.Errorf("expected trace id %s in metadata, got %q", traceID, got)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, domain.TopicBatchIssued, func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != domain.TopicBatchIssued {
			t.Errorf("expected topic %s, got %s", domain.TopicBatchIssued, sub.Topic())
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	var count atomic.Int32
	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		count.Add(1)
		<-release
		return nil
	})

	// One message is being handled, one sits in the buffer, the rest drop.
	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "slow.topic", []byte("m")); err != nil {
			t.Fatalf("publish should not fail when a subscriber is full: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	time.Sleep(50 * time.Millisecond)

	if n := count.Load(); n >= 5 || n < 1 {
		t.Errorf("expected some messages dropped, handled %d", n)
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "close.topic", func(context.Context, *domain.Message) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on subscribe after close, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	waitFor(t, &wg, 5*time.Second)
	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}
