package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"herald/internal/delivery"
	"herald/internal/notify"
	"herald/internal/render"
	logx "herald/pkg/logx"
)

type captureProvider struct {
	name string
	err  error

	mu   sync.Mutex
	msgs []notify.Message
}

func (p *captureProvider) Name() string { return p.name }

func (p *captureProvider) Send(_ context.Context, msg notify.Message) (notify.Receipt, error) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	if p.err != nil {
		return notify.Receipt{}, p.err
	}
	return notify.Receipt{MessageID: "msg-1"}, nil
}

func (p *captureProvider) sent() []notify.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Message(nil), p.msgs...)
}

func newTestService(t *testing.T, cfg Config, providers map[notify.Channel]notify.Provider) *Service {
	t.Helper()
	reg := delivery.NewRegistry()
	for ch, p := range providers {
		reg.Register(ch, p)
	}
	ctrl := delivery.NewController(reg, delivery.Options{MaxRetries: 1, BaseDelay: time.Millisecond}, logx.Nop())
	svc := New(cfg, Deps{Renderer: render.NewEngine(), Sender: ctrl})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc
}

func immediateRecipient(id string, ch notify.Channel, addr string) notify.Recipient {
	return notify.Recipient{
		ID:        id,
		Addresses: map[notify.Channel]string{ch: addr},
		Prefs:     notify.Preferences{Channels: []notify.ChannelPref{{Channel: ch, Priority: 1}}},
	}
}

func TestDispatchDeliversToEligibleRecipients(t *testing.T) {
	t.Parallel()

	email := &captureProvider{name: "smtp"}
	svc := newTestService(t, Config{}, map[notify.Channel]notify.Provider{notify.ChannelEmail: email})

	res, err := svc.Dispatch(context.Background(), notify.DispatchRequest{
		Category: notify.CategoryAlert,
		Severity: notify.SeverityHigh,
		Title:    "Disk almost full",
		Message:  "93% used on /data",
		Recipients: []notify.Recipient{
			immediateRecipient("a", notify.ChannelEmail, "a@example.com"),
			immediateRecipient("b", notify.ChannelEmail, "b@example.com"),
		},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Success || res.Succeeded != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(email.sent()) != 2 {
		t.Fatalf("provider saw %d messages, want 2", len(email.sent()))
	}
	for _, o := range res.Outcomes {
		if !o.Success || o.Channel != notify.ChannelEmail {
			t.Fatalf("outcome = %+v", o)
		}
	}
}

func TestDispatchPartialFailure(t *testing.T) {
	t.Parallel()

	email := &captureProvider{name: "smtp"}
	tg := &captureProvider{name: "telegram", err: errors.New("api down")}
	svc := newTestService(t, Config{}, map[notify.Channel]notify.Provider{
		notify.ChannelEmail:    email,
		notify.ChannelTelegram: tg,
	})

	res, err := svc.Dispatch(context.Background(), notify.DispatchRequest{
		Category: notify.CategoryAlert,
		Severity: notify.SeverityHigh,
		Title:    "x",
		Recipients: []notify.Recipient{
			immediateRecipient("mail", notify.ChannelEmail, "m@example.com"),
			immediateRecipient("chat", notify.ChannelTelegram, "42"),
		},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Success || res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("partial failure result = %+v", res)
	}
	if !strings.Contains(res.Error, "1/2") {
		t.Fatalf("error should report the failed fraction: %q", res.Error)
	}
}

func TestDispatchNoEligibleRecipients(t *testing.T) {
	t.Parallel()

	email := &captureProvider{name: "smtp"}
	svc := newTestService(t, Config{}, map[notify.Channel]notify.Provider{notify.ChannelEmail: email})

	off := immediateRecipient("off", notify.ChannelEmail, "off@example.com")
	off.Prefs.Disabled = true

	res, err := svc.Dispatch(context.Background(), notify.DispatchRequest{
		Category:   notify.CategoryAlert,
		Severity:   notify.SeverityHigh,
		Title:      "x",
		Recipients: []notify.Recipient{off},
	})
	if !errors.Is(err, ErrNoEligibleRecipients) {
		t.Fatalf("err = %v, want ErrNoEligibleRecipients", err)
	}
	if res == nil || res.Total != 0 {
		t.Fatalf("expected a no-op result, got %+v", res)
	}
	if len(email.sent()) != 0 {
		t.Fatalf("nothing should have been sent")
	}
}

func TestDispatchFallbackRecipient(t *testing.T) {
	t.Parallel()

	email := &captureProvider{name: "smtp"}
	fallback := immediateRecipient("fallback", notify.ChannelEmail, "ops@example.com")
	svc := newTestService(t, Config{Fallback: &fallback},
		map[notify.Channel]notify.Provider{notify.ChannelEmail: email})

	res, err := svc.Dispatch(context.Background(), notify.DispatchRequest{
		Category: notify.CategoryAlert,
		Severity: notify.SeverityHigh,
		Title:    "orphan alert",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("fallback should receive the notification: %+v", res)
	}
	if got := email.sent(); len(got) != 1 || got[0].Address != "ops@example.com" {
		t.Fatalf("sent = %+v", got)
	}
}

func TestDispatchBatchedThenFlushedAsDigest(t *testing.T) {
	t.Parallel()

	email := &captureProvider{name: "smtp"}
	svc := newTestService(t, Config{}, map[notify.Channel]notify.Provider{notify.ChannelEmail: email})

	batched := immediateRecipient("b", notify.ChannelEmail, "b@example.com")
	batched.Prefs.Frequency = notify.FrequencyBatched
	// Digest category is implied by the flush; recipient must accept it.

	for _, title := range []string{"one", "two", "three"} {
		res, err := svc.Dispatch(context.Background(), notify.DispatchRequest{
			Type:       "report",
			Category:   notify.CategorySchedule,
			Severity:   notify.SeverityLow,
			Title:      title,
			Message:    "body of " + title,
			Recipients: []notify.Recipient{batched},
		})
		if err != nil {
			t.Fatalf("dispatch %s: %v", title, err)
		}
		if !res.Batched || res.Total != 0 {
			t.Fatalf("batched request should not deliver immediately: %+v", res)
		}
	}
	if len(email.sent()) != 0 {
		t.Fatalf("no provider traffic before flush")
	}

	svc.flush(context.Background(), notify.FrequencyBatched)

	got := email.sent()
	if len(got) != 1 {
		t.Fatalf("flush should deliver exactly one digest, got %d", len(got))
	}
	if !strings.Contains(got[0].Subject, "3") {
		t.Fatalf("digest subject should carry the count: %q", got[0].Subject)
	}
	for _, title := range []string{"one", "two", "three"} {
		if !strings.Contains(got[0].Text, title) {
			t.Fatalf("digest body missing %q:\n%s", title, got[0].Text)
		}
	}
}

func TestDispatchCriticalBypassesBatching(t *testing.T) {
	t.Parallel()

	email := &captureProvider{name: "smtp"}
	svc := newTestService(t, Config{}, map[notify.Channel]notify.Provider{notify.ChannelEmail: email})

	batched := immediateRecipient("b", notify.ChannelEmail, "b@example.com")
	batched.Prefs.Frequency = notify.FrequencyBatched

	res, err := svc.Dispatch(context.Background(), notify.DispatchRequest{
		Category:   notify.CategoryAlert,
		Severity:   notify.SeverityCritical,
		Title:      "db down",
		Recipients: []notify.Recipient{batched},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Batched || res.Succeeded != 1 {
		t.Fatalf("critical must deliver immediately: %+v", res)
	}
}

func TestDispatchExpiredRequestIsDropped(t *testing.T) {
	t.Parallel()

	email := &captureProvider{name: "smtp"}
	svc := newTestService(t, Config{}, map[notify.Channel]notify.Provider{notify.ChannelEmail: email})

	past := time.Now().Add(-time.Minute)
	res, err := svc.Dispatch(context.Background(), notify.DispatchRequest{
		Category:   notify.CategoryAlert,
		Severity:   notify.SeverityHigh,
		Title:      "stale",
		ExpiresAt:  &past,
		Recipients: []notify.Recipient{immediateRecipient("a", notify.ChannelEmail, "a@example.com")},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Total != 0 || len(email.sent()) != 0 {
		t.Fatalf("expired request must not be delivered: %+v", res)
	}
}

func TestDispatchRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, Config{}, map[notify.Channel]notify.Provider{})

	_, err := svc.Dispatch(context.Background(), notify.DispatchRequest{
		Category: "bogus",
		Severity: notify.SeverityLow,
		Title:    "x",
	})
	if err == nil || !strings.Contains(err.Error(), "category") {
		t.Fatalf("expected category validation error, got %v", err)
	}

	_, err = svc.Dispatch(context.Background(), notify.DispatchRequest{
		Category: notify.CategoryAlert,
		Severity: "whatever",
		Title:    "x",
	})
	if err == nil || !strings.Contains(err.Error(), "severity") {
		t.Fatalf("expected severity validation error, got %v", err)
	}
}

func TestApplyConcurrentWithDispatch(t *testing.T) {
	t.Parallel()

	email := &captureProvider{name: "smtp"}
	svc := newTestService(t, Config{}, map[notify.Channel]notify.Provider{notify.ChannelEmail: email})

	req := notify.DispatchRequest{
		Category:   notify.CategoryAlert,
		Severity:   notify.SeverityHigh,
		Title:      "x",
		Recipients: []notify.Recipient{immediateRecipient("a", notify.ChannelEmail, "a@example.com")},
	}

	// Hot reload must never race the delivery path; run under -race.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			svc.Apply(Config{
				Workers:        1 + i%4,
				BatchInterval:  time.Duration(i+1) * time.Millisecond,
				DigestInterval: time.Duration(i+1) * 2 * time.Millisecond,
			})
		}
	}()
	for i := 0; i < 100; i++ {
		if _, err := svc.Dispatch(context.Background(), req); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	wg.Wait()

	if len(email.sent()) != 100 {
		t.Fatalf("provider saw %d messages, want 100", len(email.sent()))
	}
}

func TestDispatchNotRunning(t *testing.T) {
	t.Parallel()

	svc := New(Config{}, Deps{})
	_, err := svc.Dispatch(context.Background(), notify.DispatchRequest{
		Category: notify.CategoryAlert,
		Severity: notify.SeverityLow,
		Title:    "x",
	})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}
