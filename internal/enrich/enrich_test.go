package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTP_ProcessPending(t *testing.T) {
	var gotAuth, gotMethod string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	trigger := NewHTTP(HTTPConfig{URL: ts.URL + "/v1/enrich/pending", Token: "tok"})
	if err := trigger.ProcessPending(context.Background()); err != nil {
		t.Fatalf("ProcessPending() failed: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestHTTP_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	if err := NewHTTP(HTTPConfig{URL: ts.URL}).ProcessPending(context.Background()); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestNoopAndFunc(t *testing.T) {
	if err := (Noop{}).ProcessPending(context.Background()); err != nil {
		t.Errorf("Noop returned %v", err)
	}

	called := false
	var tr Trigger = TriggerFunc(func(context.Context) error { called = true; return nil })
	_ = tr.ProcessPending(context.Background())
	if !called {
		t.Error("TriggerFunc was not invoked")
	}
}
