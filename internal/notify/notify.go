package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"regexp"
	"strings"
	"sync"
	"time"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Config holds notification configuration.
type Config struct {
	WebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool

	// How long to wait before re-alerting for the same source.
	CooldownPeriod time.Duration
}

// Alert describes one error-threshold notification.
type Alert struct {
	SourceID  string
	Message   string
	Details   string
	Timestamp time.Time
}

// Notifier sends error alerts when a source keeps failing to sync.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 15 * time.Minute
	}
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		lastAlertTimes: make(map[string]time.Time),
	}
}

// IsEnabled returns true if any notification channel is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != "" || n.cfg.SMTPHost != ""
}

// SourceErrors fires an alert when a source's consecutive error counter
// crosses the threshold. Cooldown keeps a flapping source from flooding
// the channel. Returns true if an alert was dispatched.
func (n *Notifier) SourceErrors(ctx context.Context, sourceID string, consecutive int) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	if last, ok := n.lastAlertTimes[sourceID]; ok && time.Since(last) < n.cfg.CooldownPeriod {
		n.mu.Unlock()
		return false
	}
	n.lastAlertTimes[sourceID] = time.Now()
	n.mu.Unlock()

	alert := Alert{
		SourceID:  sourceID,
		Message:   fmt.Sprintf("Source '%s' is failing to sync", sourceID),
		Details:   fmt.Sprintf("%d consecutive sync errors", consecutive),
		Timestamp: time.Now(),
	}

	// Send in background to not block the handler path.
	go n.send(ctx, alert)
	return true
}

// ClearCooldown resets the cooldown for a source, typically after it
// recovers.
func (n *Notifier) ClearCooldown(sourceID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.lastAlertTimes, sourceID)
}

// send sends the alert via all configured channels.
func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}
	if n.cfg.SMTPHost != "" && len(n.cfg.SMTPTo) > 0 {
		if err := n.sendEmail(alert); err != nil {
			log.Printf("[Notify] Email error: %v", err)
		}
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	SourceID  string `json:"source_id"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible field
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	payload := WebhookPayload{
		SourceID:  alert.SourceID,
		Message:   alert.Message,
		Details:   alert.Details,
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Text:      fmt.Sprintf(":x: *%s*\n%s", alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}

func (n *Notifier) sendEmail(alert Alert) error {
	// Sanitize user-controlled inputs to prevent email header injection
	message := sanitizeForEmail(alert.Message)
	details := sanitizeForEmail(alert.Details)

	subject := fmt.Sprintf("[CalSyncMW] %s", message)

	var body strings.Builder
	body.WriteString(fmt.Sprintf("Source ID: %s\n", alert.SourceID))
	body.WriteString(fmt.Sprintf("Time: %s\n\n", alert.Timestamp.Format(time.RFC1123)))
	body.WriteString(fmt.Sprintf("Message: %s\n", message))
	body.WriteString(fmt.Sprintf("Details: %s\n", details))

	recipients := make([]string, 0, len(n.cfg.SMTPTo))
	for _, addr := range n.cfg.SMTPTo {
		if isValidEmail(addr) {
			recipients = append(recipients, addr)
		}
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients configured")
	}

	to := strings.Join(recipients, ", ")
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, to, subject, body.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	log.Printf("[Notify] Email sent to %d recipients: %s", len(recipients), message)
	return nil
}

// sendEmailTLS sends email over TLS (for port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return client.Quit()
}

// isValidEmail validates an email address format.
func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
