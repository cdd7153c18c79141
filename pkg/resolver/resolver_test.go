package resolver

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jyuch/advoid/pkg/logging"
)

func getTestLogger() *logging.Logger {
	return logging.New(nil, logging.Options{Level: "error", Format: "text"})
}

func TestNew(t *testing.T) {
	logger := getTestLogger()

	r := New("1.1.1.1:53", logger)
	if r == nil {
		t.Fatal("New() returned nil")
	}
	if r.upstream != "1.1.1.1:53" {
		t.Errorf("upstream = %s, want 1.1.1.1:53", r.upstream)
	}
}

func TestResolver_LookupIP_CustomUpstream(t *testing.T) {
	logger := getTestLogger()
	r := New("1.1.1.1:53", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ips, err := r.LookupIP(ctx, "ip", "google.com")
	if err != nil {
		t.Fatalf("LookupIP() with custom upstream failed: %v", err)
	}

	if len(ips) == 0 {
		t.Error("LookupIP() returned no IPs")
	}

	t.Logf("Resolved google.com to %v using 1.1.1.1:53", ips)
}

func TestResolver_DialContext(t *testing.T) {
	logger := getTestLogger()
	r := New("1.1.1.1:53", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := r.DialContext(ctx, "tcp", "google.com:80")
	if err != nil {
		t.Fatalf("DialContext() failed: %v", err)
	}
	defer conn.Close()

	if conn == nil {
		t.Error("DialContext() returned nil connection")
	}
}

func TestResolver_DialContext_WithIP(t *testing.T) {
	logger := getTestLogger()
	r := New("1.1.1.1:53", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// IP literal should skip resolution entirely.
	conn, err := r.DialContext(ctx, "tcp", "8.8.8.8:53")
	if err != nil {
		t.Fatalf("DialContext() with IP failed: %v", err)
	}
	defer conn.Close()

	if conn == nil {
		t.Error("DialContext() returned nil connection")
	}
}

func TestResolver_DialContext_InvalidAddress(t *testing.T) {
	logger := getTestLogger()
	r := New("1.1.1.1:53", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.DialContext(ctx, "tcp", "invalid-address")
	if err == nil {
		t.Error("DialContext() should fail with invalid address")
	}
}

func TestResolver_NewHTTPClient(t *testing.T) {
	logger := getTestLogger()
	r := New("1.1.1.1:53", logger)
	client := r.NewHTTPClient(30 * time.Second)

	if client == nil {
		t.Fatal("NewHTTPClient() returned nil")
	}
	if client.Timeout != 30*time.Second {
		t.Errorf("Client timeout = %v, want 30s", client.Timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "HEAD", "https://google.com", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	t.Logf("HTTP request successful: %s", resp.Status)
}
