package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kozaktomas/attendance/internal/session"
)

type recorder struct {
	mu     sync.Mutex
	events []session.MarkEvent
	err    error
	block  chan struct{}
}

func (r *recorder) Notify(ctx context.Context, ev session.MarkEvent) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.IdentityID
	}
	return out
}

func event(id string) session.MarkEvent {
	return session.MarkEvent{
		SessionID:  "s-1",
		ClassName:  "Operating Systems",
		IdentityID: id,
		MarkedAt:   time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
		Confidence: 0.91,
	}
}

func TestMulti(t *testing.T) {
	a := &recorder{}
	b := &recorder{err: errors.New("b down")}
	c := &recorder{}

	err := Multi{a, b, c}.Notify(context.Background(), event("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b down")
	assert.Equal(t, []string{"x"}, a.ids())
	assert.Equal(t, []string{"x"}, c.ids())
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	target := &recorder{}
	d := NewDispatcher(target, 10, 0, nil, nil)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Notify(context.Background(), event(id)))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, []string{"a", "b", "c"}, target.ids())
	assert.ErrorIs(t, d.Notify(context.Background(), event("d")), ErrClosed)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	target := &recorder{block: make(chan struct{})}
	d := NewDispatcher(target, 2, 0, nil, nil)

	// one event in delivery, two queued, the rest dropped
	var accepted, dropped int
	require.NoError(t, d.Notify(context.Background(), event("first")))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		err := d.Notify(context.Background(), event("more"))
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrQueueFull):
			dropped++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	assert.Equal(t, 2, accepted)
	assert.Equal(t, 3, dropped)

	close(target.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, target.ids(), 3)
}

func TestDispatcher_CloseTimeoutCancelsDelivery(t *testing.T) {
	target := &recorder{block: make(chan struct{})}
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher(target, 4, 0, nil, zap.New(core))

	require.NoError(t, d.Notify(context.Background(), event("stuck")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, target.ids())
	assert.Equal(t, 1, logs.FilterMessage("failed to deliver notification").Len())
}

func TestDispatcher_RateLimited(t *testing.T) {
	target := &recorder{}
	d := NewDispatcher(target, 30, 20, nil, nil)

	start := time.Now()
	for i := 0; i < 25; i++ {
		require.NoError(t, d.Notify(context.Background(), event("x")))
	}
	require.NoError(t, d.Close(context.Background()))

	// burst of 20, then 5 more at 20/s
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Len(t, target.ids(), 25)
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return p.err
}

func TestNATSNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub, "attendance.marked")

	require.NoError(t, n.Notify(context.Background(), event("S1001")))
	assert.Equal(t, "attendance.marked.s-1", pub.subject)

	var got session.MarkEvent
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "S1001", got.IdentityID)
	assert.Equal(t, "Operating Systems", got.ClassName)
	assert.InDelta(t, 0.91, got.Confidence, 1e-9)

	pub.err = errors.New("no responders")
	assert.Error(t, n.Notify(context.Background(), event("S1001")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Notify(ctx, event("S1001")), context.Canceled)
	assert.NoError(t, n.Close())
}

func TestParseContacts(t *testing.T) {
	data := []byte(`
S1001:
  email: jana@example.com
  first_name: Jana
" S1002 ":
  email: petr@example.com
S1003:
  first_name: NoMail
`)
	contacts, err := ParseContacts(data)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	c, ok := contacts.Lookup("S1002")
	require.True(t, ok)
	assert.Equal(t, "petr@example.com", c.Email)

	_, ok = contacts.Lookup("S1003")
	assert.False(t, ok)

	_, err = ParseContacts([]byte("- not\n- a map"))
	assert.Error(t, err)
}

func TestSMTPNotifier(t *testing.T) {
	contacts := Contacts{"S1001": {Email: "jana@example.com", FirstName: "Jana <3"}}

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
		calls   int
	)
	n := NewSMTPNotifier("smtp.example.com", 587, "bot", "secret", "attendance@example.com", contacts).
		WithSender(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			calls++
			gotAddr, gotTo, gotMsg = addr, to, string(msg)
			return nil
		})

	require.NoError(t, n.Notify(context.Background(), event("S1001")))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"jana@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Attendance Marked\r\n")
	assert.Contains(t, gotMsg, "Hello Jana &lt;3,")
	assert.Contains(t, gotMsg, "session <b>s-1</b> in class <b>Operating Systems</b>")
	assert.True(t, strings.HasPrefix(gotMsg, "From: attendance@example.com\r\n"))

	// no contact, nothing sent
	require.NoError(t, n.Notify(context.Background(), event("S9999")))
	assert.Equal(t, 1, calls)
}

func TestSMTPNotifier_SendError(t *testing.T) {
	contacts := Contacts{"S1001": {Email: "jana@example.com"}}
	n := NewSMTPNotifier("smtp.example.com", 25, "", "", "attendance@example.com", contacts).
		WithSender(func(string, smtp.Auth, string, []string, []byte) error {
			return errors.New("connection refused")
		})

	err := n.Notify(context.Background(), event("S1001"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jana@example.com")
}
