package connectivity

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestManual_NotifiesOnlyOnTransitionToOnline(t *testing.T) {
	m := NewManual(false)

	var calls int
	unsubscribe := m.Subscribe(func() { calls++ })

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	if calls != 2 {
		t.Errorf("listener called %d times, want 2", calls)
	}
	if !m.IsOnline() {
		t.Error("expected online")
	}

	unsubscribe()
	unsubscribe()
	m.SetOnline(false)
	m.SetOnline(true)
	if calls != 2 {
		t.Errorf("unsubscribed listener was called (%d)", calls)
	}
}

func TestManual_SubscriptionOrder(t *testing.T) {
	m := NewManual(false)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		m.Subscribe(func() { order = append(order, i) })
	}
	m.SetOnline(true)

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("listeners ran out of order: %v", order)
	}
}

func TestProbe_Check(t *testing.T) {
	var healthy atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	p := NewProbe(ProbeConfig{URL: ts.URL, Logger: log.New(io.Discard, "", 0)})

	var calls atomic.Int32
	p.Subscribe(func() { calls.Add(1) })

	ctx := context.Background()
	if p.Check(ctx) {
		t.Fatal("unhealthy endpoint reported online")
	}

	healthy.Store(true)
	if !p.Check(ctx) || !p.IsOnline() {
		t.Fatal("healthy endpoint reported offline")
	}
	p.Check(ctx)
	if calls.Load() != 1 {
		t.Errorf("listener called %d times, want 1", calls.Load())
	}
}

func TestProbe_UnreachableIsOffline(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	p := NewProbe(ProbeConfig{URL: url, Timeout: time.Second, Logger: log.New(io.Discard, "", 0)})
	if p.Check(context.Background()) {
		t.Error("closed server reported online")
	}
}

func TestProbe_RunStopsOnCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	p := NewProbe(ProbeConfig{URL: ts.URL, Interval: 10 * time.Millisecond, Logger: log.New(io.Discard, "", 0)})

	online := make(chan struct{}, 1)
	p.Subscribe(func() {
		select {
		case online <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-online:
	case <-time.After(2 * time.Second):
		t.Fatal("probe never reported online")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
