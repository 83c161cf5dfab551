package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/md-rashed-zaman/notifywise/libs/grpcx"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestWhatsAppTestPostsThroughGateway(t *testing.T) {
	var got testMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/messages/test" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"m1","status":"sent","provider_message_id":"wamid-1"}`))
	}))
	defer srv.Close()

	out, err := run(t, "whatsapp", "test", "--base-url", srv.URL, "--token", "tok", "--to", "0612345678")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.To != "0612345678" || !strings.Contains(out, "provider_id=wamid-1") {
		t.Fatalf("request %+v output %q", got, out)
	}
}

func TestWhatsAppTestReportsProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"m1","status":"failed","error":"provider unavailable"}`))
	}))
	defer srv.Close()

	_, err := run(t, "whatsapp", "test", "--base-url", srv.URL, "--token", "tok", "--to", "0612345678")
	if err == nil || !strings.Contains(err.Error(), "provider unavailable") {
		t.Fatalf("expected provider failure, got %v", err)
	}
}

func TestReceiptSendsSecretHeader(t *testing.T) {
	var got receipt
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Webhook-Secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid webhook secret"}`))
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"m1","status":"read"}`))
	}))
	defer srv.Close()

	out, err := run(t, "receipt", "--base-url", srv.URL, "--secret", "s3cret", "--message-id", "4711", "--status", "read")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.MessageID != "4711" || got.Status != "read" || got.Timestamp == "" || !strings.Contains(out, "status=read") {
		t.Fatalf("receipt %+v output %q", got, out)
	}

	_, err = run(t, "receipt", "--base-url", srv.URL, "--secret", "wrong", "--message-id", "4711")
	var apiErr *apiError
	if err == nil || !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	if _, err := run(t, "receipt", "--secret", "s3cret", "--message-id", "4711", "--status", "sent"); err == nil {
		t.Fatal("expected unsupported status to fail")
	}
}

func TestMigrateRejectsUnknownService(t *testing.T) {
	_, err := run(t, "migrate", "--service", "billing", "--database-url", "postgres://localhost/x")
	if err == nil || !strings.Contains(err.Error(), "unknown service") {
		t.Fatalf("expected unknown service error, got %v", err)
	}
}

func TestHealthReportsServing(t *testing.T) {
	srv, _ := grpcx.NewServer()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	out, err := run(t, "health", "--addr", lis.Addr().String())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "SERVING") {
		t.Fatalf("output %q", out)
	}
}
