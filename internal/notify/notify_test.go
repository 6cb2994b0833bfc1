package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

func testAlert(p domain.Priority) *domain.Alert {
	return &domain.Alert{
		ID:              "01JTESTALERT",
		TxID:            "tx-42",
		Score:           0.91,
		Amount:          7200,
		Priority:        p,
		Method:          domain.MethodHybrid,
		Summary:         "High risk card-not-present spend",
		Factors:         []string{"card testing pattern", "amount 7200.00 exceeds screening threshold 5000.00"},
		Recommendations: []string{"Block transaction", "Contact customer immediately"},
		CreatedAt:       time.Date(2025, 4, 2, 8, 30, 0, 0, time.UTC),
	}
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	err       error
}

func (b *fakeBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) Ping(ctx context.Context) error { return nil }
func (b *fakeBus) Close() error                   { return nil }

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(slog.New(slog.NewJSONHandler(&buf, nil)))

	if err := c.Send(context.Background(), testAlert(domain.PriorityHigh)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line: %v", err)
	}
	if line["level"] != "ERROR" {
		t.Errorf("HIGH alerts should log at ERROR, got %v", line["level"])
	}
	if line["tx_id"] != "tx-42" || line["alert_id"] != "01JTESTALERT" {
		t.Errorf("missing alert keys: %v", line)
	}
	if c.Name() != domain.ChannelConsole {
		t.Errorf("unexpected name %s", c.Name())
	}
}

func TestBusEvent(t *testing.T) {
	t.Run("PublishesSchema", func(t *testing.T) {
		bus := &fakeBus{}
		ch := NewBusEvent(bus)

		if err := ch.Send(context.Background(), testAlert(domain.PriorityMedium)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		msgs := bus.published[domain.TopicAlert]
		if len(msgs) != 1 {
			t.Fatalf("expected one message on %s, got %d", domain.TopicAlert, len(msgs))
		}

		var ev Event
		if err := json.Unmarshal(msgs[0], &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.AlertType != AlertType || ev.Priority != "MEDIUM" || ev.TransactionID != "tx-42" {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.AnalysisMethod != "hybrid" || ev.Timestamp != "2025-04-02T08:30:00Z" {
			t.Errorf("unexpected event metadata %+v", ev)
		}
	})

	t.Run("BusFailure", func(t *testing.T) {
		ch := NewBusEvent(&fakeBus{err: errors.New("bus closed")})
		if err := ch.Send(context.Background(), testAlert(domain.PriorityHigh)); err == nil {
			t.Error("expected publish error")
		}
	})

	t.Run("EmptyListsEncodeAsArrays", func(t *testing.T) {
		a := testAlert(domain.PriorityLow)
		a.Factors, a.Recommendations = nil, nil
		payload, _ := marshalEvent(a)
		if !strings.Contains(string(payload), `"fraud_indicators":[]`) {
			t.Errorf("expected empty array, got %s", payload)
		}
	})
}

type fakePublisher struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.exchange, p.key, p.msg = exchange, key, msg
	return p.err
}

func (p *fakePublisher) Close() error { return nil }

func TestRabbitMQ(t *testing.T) {
	pub := &fakePublisher{}
	r := &RabbitMQ{ch: pub, exchange: "kestrel.alerts"}

	if err := r.Send(context.Background(), testAlert(domain.PriorityHigh)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if pub.exchange != "kestrel.alerts" || pub.key != "alert.high" {
		t.Errorf("unexpected routing %s/%s", pub.exchange, pub.key)
	}
	if pub.msg.DeliveryMode != amqp.Persistent || pub.msg.ContentType != "application/json" {
		t.Errorf("unexpected publishing %+v", pub.msg)
	}
	if r.Name() != domain.ChannelEvent {
		t.Errorf("rabbitmq should report as the event channel, got %s", r.Name())
	}

	pub.err = errors.New("channel closed")
	if err := r.Send(context.Background(), testAlert(domain.PriorityHigh)); err == nil {
		t.Error("expected publish error")
	}
}

func emailConfig() domain.EmailConfig {
	return domain.EmailConfig{
		Enabled:    true,
		SMTPHost:   "smtp.example.com",
		SMTPPort:   587,
		Username:   "alerts@example.com",
		Password:   "secret",
		Sender:     "alerts@example.com",
		Recipients: []string{"fraud-team@example.com", " "},
	}
}

func TestEmail(t *testing.T) {
	t.Run("ComposesAndSends", func(t *testing.T) {
		var gotAddr, gotFrom string
		var gotTo []string
		var gotMsg []byte
		send := func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
			return nil
		}

		e := NewEmail(emailConfig(), send)
		if err := e.Send(context.Background(), testAlert(domain.PriorityHigh)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		if gotAddr != "smtp.example.com:587" || gotFrom != "alerts@example.com" {
			t.Errorf("unexpected envelope %s %s", gotAddr, gotFrom)
		}
		if len(gotTo) != 1 || gotTo[0] != "fraud-team@example.com" {
			t.Errorf("blank recipients should be dropped, got %v", gotTo)
		}
		if !strings.Contains(string(gotMsg), "Subject: FRAUD ALERT - HIGH Priority - Transaction tx-42") {
			t.Errorf("unexpected message:\n%s", gotMsg)
		}
		if !strings.Contains(string(gotMsg), "- Block transaction") {
			t.Error("expected recommendations in body")
		}
	})

	t.Run("SMTPFailure", func(t *testing.T) {
		e := NewEmail(emailConfig(), func(context.Context, string, smtp.Auth, string, []string, []byte) error {
			return errors.New("535 authentication failed")
		})
		if err := e.Send(context.Background(), testAlert(domain.PriorityHigh)); err == nil {
			t.Error("expected send error")
		}
	})

	t.Run("HeaderInjection", func(t *testing.T) {
		var gotMsg []byte
		e := NewEmail(emailConfig(), func(_ context.Context, _ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
			gotMsg = msg
			return nil
		})

		a := testAlert(domain.PriorityHigh)
		a.TxID = "T1\r\nBcc: attacker@evil.test"
		if err := e.Send(context.Background(), a); err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		headers, _, ok := strings.Cut(string(gotMsg), "\r\n\r\n")
		if !ok {
			t.Fatalf("no header terminator in:\n%s", gotMsg)
		}
		for _, line := range strings.Split(headers, "\r\n") {
			if strings.HasPrefix(strings.ToLower(line), "bcc:") {
				t.Errorf("injected header line %q", line)
			}
		}
		if !strings.Contains(headers, "Subject: FRAUD ALERT - HIGH Priority - Transaction T1  Bcc: attacker@evil.test") {
			t.Errorf("expected folded subject, got headers:\n%s", headers)
		}
	})

	t.Run("DeliversOverSMTP", func(t *testing.T) {
		addr, received := fakeSMTPServer(t)
		cfg := emailConfig()
		cfg.Username = ""
		cfg.SMTPHost, cfg.SMTPPort = splitAddr(t, addr)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := NewEmail(cfg, nil).Send(ctx, testAlert(domain.PriorityHigh)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		select {
		case body := <-received:
			if !strings.Contains(body, "Subject: FRAUD ALERT - HIGH Priority - Transaction tx-42") {
				t.Errorf("unexpected data:\n%s", body)
			}
		case <-time.After(time.Second):
			t.Fatal("server received no message")
		}
	})

	t.Run("HonoursContext", func(t *testing.T) {
		// The server accepts but never greets.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		defer ln.Close()
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			<-stop
			conn.Close()
		}()

		cfg := emailConfig()
		cfg.Username = ""
		cfg.SMTPHost, cfg.SMTPPort = splitAddr(t, ln.Addr().String())

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		err = NewEmail(cfg, nil).Send(ctx, testAlert(domain.PriorityHigh))
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline error, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Send returned after %v, want prompt return", elapsed)
		}
	})

	t.Run("NoRecipients", func(t *testing.T) {
		cfg := emailConfig()
		cfg.Recipients = nil
		if err := NewEmail(cfg, nil).Send(context.Background(), testAlert(domain.PriorityHigh)); err == nil {
			t.Error("expected error without recipients")
		}
	})
}

// fakeSMTPServer accepts one plain SMTP session and reports the DATA payload.
func fakeSMTPServer(t *testing.T) (string, <-chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		tp := textproto.NewConn(conn)
		tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
				tp.PrintfLine("250 localhost")
			case strings.HasPrefix(line, "MAIL FROM:"), strings.HasPrefix(line, "RCPT TO:"):
				tp.PrintfLine("250 OK")
			case line == "DATA":
				tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
				lines, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				received <- strings.Join(lines, "\n")
				tp.PrintfLine("250 OK: queued")
			case line == "QUIT":
				tp.PrintfLine("221 Bye")
				return
			default:
				tp.PrintfLine("502 Command not implemented")
			}
		}
	}()

	return ln.Addr().String(), received
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("port %q: %v", port, err)
	}
	return host, n
}

func TestWebhook(t *testing.T) {
	t.Run("PostsBlocks", func(t *testing.T) {
		var got map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
			}
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		if err := NewWebhook(srv.URL).Send(context.Background(), testAlert(domain.PriorityHigh)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		blocks, ok := got["blocks"].([]any)
		if !ok || len(blocks) != 5 {
			t.Fatalf("expected 5 blocks, got %v", got["blocks"])
		}
		header := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
		if !strings.Contains(header, "tx-42") || !strings.Contains(header, "\U0001f534") {
			t.Errorf("unexpected header %q", header)
		}
	})

	t.Run("Non2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid_payload", http.StatusBadRequest)
		}))
		defer srv.Close()

		err := NewWebhook(srv.URL).Send(context.Background(), testAlert(domain.PriorityHigh))
		if err == nil || !strings.Contains(err.Error(), "invalid_payload") {
			t.Errorf("expected error with body excerpt, got %v", err)
		}
	})

	t.Run("Truncates", func(t *testing.T) {
		a := testAlert(domain.PriorityHigh)
		a.Summary = strings.Repeat("x", 5000)
		block := summaryBlock(a)
		text := block["text"].(map[string]any)["text"].(string)
		if len(text) != maxSummaryLen || !strings.HasSuffix(text, "...") {
			t.Errorf("expected truncation to %d, got %d", maxSummaryLen, len(text))
		}
	})
}
