package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sieve/internal/config"
	"sieve/internal/store"
)

const userAgent = "sieve/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyAlert(ctx context.Context, alert store.OperatorAlert) error
	NotifyReview(ctx context.Context, entry store.ReviewEntry) error
	NotifyDrained(ctx context.Context, processed, failed int, duration time.Duration) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyAlert(ctx context.Context, alert store.OperatorAlert) error {
	message := strings.TrimSpace(alert.Message)
	if subject := strings.TrimSpace(alert.Subject); subject != "" {
		message = fmt.Sprintf("%s: %s", subject, message)
	}
	if ws := strings.TrimSpace(alert.WorkspaceID); ws != "" {
		message = fmt.Sprintf("[%s] %s", ws, message)
	}
	kind := strings.TrimSpace(alert.Kind)
	if kind == "" {
		kind = "alert"
	}
	data := payload{
		title:    "sieve - " + strings.ReplaceAll(kind, "_", " "),
		message:  message,
		tags:     []string{"sieve", "alert", kind},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyReview(ctx context.Context, entry store.ReviewEntry) error {
	message := fmt.Sprintf("[%s] cluster %d needs review", entry.WorkspaceID, entry.ClusterID)
	if reason := strings.TrimSpace(entry.Reason); reason != "" {
		message = fmt.Sprintf("%s\n%s", message, reason)
	}
	data := payload{
		title:   "sieve - Review Needed",
		message: message,
		tags:    []string{"sieve", "review"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDrained(ctx context.Context, processed, failed int, duration time.Duration) error {
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}

	title := "sieve - Queue Drained"
	message := fmt.Sprintf("%d jobs processed in %s", processed, duration)
	if failed > 0 {
		title = "sieve - Queue Drained (with errors)"
		message = fmt.Sprintf("%d jobs succeeded, %d failed in %s", processed, failed, duration)
	}
	return n.send(ctx, payload{
		title:   title,
		message: message,
		tags:    []string{"sieve", "queue", "drained"},
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "sieve - Test",
		message:  "Notification system test",
		tags:     []string{"sieve", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyAlert(context.Context, store.OperatorAlert) error       { return nil }
func (noopService) NotifyReview(context.Context, store.ReviewEntry) error        { return nil }
func (noopService) NotifyDrained(context.Context, int, int, time.Duration) error { return nil }
func (noopService) TestNotification(context.Context) error                       { return nil }
