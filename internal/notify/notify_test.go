package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestIsEnabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want bool
	}{
		{"nothing configured", &Config{}, false},
		{"webhook only", &Config{WebhookURL: "https://hooks.example.com/x"}, true},
		{"smtp only", &Config{SMTPHost: "smtp.example.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.cfg).IsEnabled(); got != tt.want {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSourceErrors(t *testing.T) {
	t.Run("sends webhook payload", func(t *testing.T) {
		var mu sync.Mutex
		var received WebhookPayload
		done := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			json.NewDecoder(r.Body).Decode(&received)
			mu.Unlock()
			close(done)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		n := New(&Config{WebhookURL: server.URL})
		if !n.SourceErrors(context.Background(), "m365-work", 5) {
			t.Fatal("expected alert to be dispatched")
		}

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for webhook")
		}

		mu.Lock()
		defer mu.Unlock()
		if received.SourceID != "m365-work" {
			t.Errorf("unexpected source id %q", received.SourceID)
		}
		if !strings.Contains(received.Details, "5 consecutive") {
			t.Errorf("unexpected details %q", received.Details)
		}
		if received.Text == "" {
			t.Error("expected Slack-compatible text field")
		}
	})

	t.Run("cooldown suppresses repeat alerts", func(t *testing.T) {
		n := New(&Config{WebhookURL: "https://hooks.example.com/x", CooldownPeriod: time.Hour})

		// Stamp the cooldown without actually dispatching.
		n.lastAlertTimes["m365-work"] = time.Now()

		if n.SourceErrors(context.Background(), "m365-work", 6) {
			t.Error("expected repeat alert to be suppressed")
		}

		n.ClearCooldown("m365-work")
		n.lastAlertTimes["other"] = time.Now()
		if _, ok := n.lastAlertTimes["m365-work"]; ok {
			t.Error("expected cooldown cleared")
		}
	})

	t.Run("disabled notifier never alerts", func(t *testing.T) {
		n := New(&Config{})
		if n.SourceErrors(context.Background(), "m365-work", 10) {
			t.Error("expected no alert without channels")
		}
	})
}

func TestSanitizeForEmail(t *testing.T) {
	got := sanitizeForEmail("alert\r\nBcc: attacker@example.com")
	if strings.ContainsAny(got, "\r\n") {
		t.Errorf("expected CRLF stripped, got %q", got)
	}

	long := sanitizeForEmail(strings.Repeat("a", 300))
	if len(long) != 200 {
		t.Errorf("expected truncation to 200, got %d", len(long))
	}
}

func TestIsValidEmail(t *testing.T) {
	valid := []string{"ops@example.com", "first.last+tag@sub.example.org"}
	for _, addr := range valid {
		if !isValidEmail(addr) {
			t.Errorf("expected %q valid", addr)
		}
	}
	invalid := []string{"", "not-an-email", "a@b", "x@y.z\nBcc: evil@example.com"}
	for _, addr := range invalid {
		if isValidEmail(addr) {
			t.Errorf("expected %q invalid", addr)
		}
	}
}
