package bus

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
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
		t.Fatal("timeout waiting for messages")
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

		_, err := bus.Subscribe(ctx, domain.TopicAnalysisResult, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicAnalysisResult, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg, time.Second)

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicAnalysisResult || receivedMsg.ID == "" {
			t.Errorf("unexpected envelope %+v", receivedMsg)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var flagged, results atomic.Int32

		_, _ = bus.Subscribe(ctx, domain.TopicTransactionFlagged, func(ctx context.Context, msg *domain.Message) error {
			flagged.Add(1)
			return nil
		})
		_, _ = bus.Subscribe(ctx, "kestrel.other", func(ctx context.Context, msg *domain.Message) error {
			results.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, domain.TopicTransactionFlagged, []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if flagged.Load() != 1 {
			t.Errorf("flagged subscriber should receive 1 message, got %d", flagged.Load())
		}
		if results.Load() != 0 {
			t.Errorf("other subscriber should receive 0 messages, got %d", results.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		_ = sub.Unsubscribe()

		_ = bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
		if bus.Dropped() != 0 {
			t.Errorf("unsubscribed handler should not count as dropped, got %d", bus.Dropped())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		_, _ = bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		_, _ = bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	_, _ = bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	_ = bus.Publish(ctx, "slow.topic", []byte("1"))
	<-started
	_ = bus.Publish(ctx, "slow.topic", []byte("2")) // fills the buffer
	_ = bus.Publish(ctx, "slow.topic", []byte("3")) // dropped
	close(release)

	if bus.Dropped() != 1 {
		t.Errorf("expected 1 dropped message, got %d", bus.Dropped())
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	var handled atomic.Bool
	_, _ = bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		time.Sleep(20 * time.Millisecond)
		handled.Store(true)
		return nil
	})

	_ = bus.Publish(ctx, "close.topic", []byte("data"))
	time.Sleep(5 * time.Millisecond)

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if !handled.Load() {
		t.Error("Close should wait for the in-progress handler")
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
	if _, err := bus.Subscribe(ctx, "close.topic", nil); err == nil {
		t.Error("expected subscribe error after close")
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

	_, _ = bus.Subscribe(ctx, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		_ = bus.Publish(ctx, domain.TopicTransactionIngested, []byte("msg"))
	}

	waitFor(t, &wg, 5*time.Second)
	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}

func TestNATSBus(t *testing.T) {
	url := os.Getenv("KESTREL_TEST_NATS_URL")
	if url == "" {
		t.Skip("KESTREL_TEST_NATS_URL not set")
	}

	bus, err := NewNATSBus(domain.EventBusConfig{NATSUrl: url, NATSMaxReconnects: 1, NATSReconnectWait: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)

	var got []byte
	_, err = bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		got = msg.Payload
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if err := bus.Publish(ctx, domain.TopicAlert, []byte(`{"alert_type":"FRAUD_DETECTION_ALERT"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, &wg, 2*time.Second)
	if string(got) != `{"alert_type":"FRAUD_DETECTION_ALERT"}` {
		t.Errorf("unexpected payload %s", got)
	}
}
