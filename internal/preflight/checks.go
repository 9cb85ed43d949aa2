package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"sieve/internal/config"
	"sieve/internal/services/llm"
)

const (
	tierProbeTimeout    = 30 * time.Second
	webhookProbeTimeout = 5 * time.Second
)

// CheckTier verifies a model tier has credentials and, when probe is set
// and the tier speaks the OpenRouter protocol, that the API answers.
func CheckTier(ctx context.Context, name string, tier config.Tier, probe bool) Result {
	label := "Tier " + name
	if strings.TrimSpace(tier.APIKey) == "" {
		return Result{Name: label, Detail: "API key missing"}
	}
	if !probe {
		return Result{Name: label, Passed: true, Detail: tier.Model + " (not probed)"}
	}
	if tier.Provider != "" && tier.Provider != "openrouter" {
		return Result{Name: label, Passed: true, Detail: fmt.Sprintf("%s via %s (probe unsupported)", tier.Model, tier.Provider)}
	}

	checkCtx, cancel := context.WithTimeout(ctx, tierProbeTimeout)
	defer cancel()

	client := llm.NewClient(llm.Config{
		APIKey:         tier.APIKey,
		BaseURL:        tier.BaseURL,
		Model:          tier.Model,
		Referer:        tier.Referer,
		Title:          tier.Title,
		TimeoutSeconds: int(tierProbeTimeout / time.Second),
	})
	if err := client.HealthCheck(checkCtx); err != nil {
		return Result{Name: label, Detail: summarizeError(err)}
	}
	return Result{Name: label, Passed: true, Detail: tier.Model + " reachable"}
}

// CheckEmbedding verifies the embedding provider has credentials.
func CheckEmbedding(cfg config.Embedding) Result {
	const name = "Embedding provider"
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Result{Name: name, Detail: "API key missing"}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s %s", cfg.Provider, cfg.Model)}
}

// CheckWebhookTarget verifies a webhook sync target answers and accepts the
// configured token.
func CheckWebhookTarget(ctx context.Context, target config.SyncTarget) Result {
	name := "Sync target " + target.Name

	base := strings.TrimSpace(target.URL)
	if base == "" {
		return Result{Name: name, Detail: "missing url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, webhookProbeTimeout)
	defer cancel()

	client := &http.Client{Timeout: webhookProbeTimeout}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, base, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("probe failed (%v)", err)}
	}
	if token := strings.TrimSpace(target.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Result{Name: name, Detail: "auth failed (invalid token)"}
	case resp.StatusCode >= http.StatusInternalServerError:
		return Result{Name: name, Detail: fmt.Sprintf("probe failed (%d)", resp.StatusCode)}
	default:
		return Result{Name: name, Passed: true, Detail: "Reachable"}
	}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "probe timed out (API unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "probe timed out (API unreachable)"
	}
	return err.Error()
}
