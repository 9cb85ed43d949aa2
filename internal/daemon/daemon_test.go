package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"sieve/internal/config"
	"sieve/internal/daemon"
	"sieve/internal/ratelimit"
	"sieve/internal/source"
	"sieve/internal/stage"
	"sieve/internal/store"
	"sieve/internal/testsupport"
	"sieve/internal/workflow"
)

type noopStage struct{}

func (noopStage) Execute(context.Context, *store.Job) error { return nil }
func (noopStage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("noop")
}

const hookSecret = "s3cret"

func newDaemon(t *testing.T, mutate func(*config.Config)) (*daemon.Daemon, *store.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithSource(config.Source{
		Name:      "hook",
		Kind:      "webhook",
		Workspace: "acme",
		Secret:    hookSecret,
	}))
	cfg.Server.Metrics = true
	if mutate != nil {
		mutate(cfg)
	}
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.MustWorkspace(t, st, "acme")
	limits := ratelimit.NewRegistry(0)
	bindings, err := source.Bindings(cfg, limits)
	if err != nil {
		t.Fatalf("Bindings: %v", err)
	}
	mgr := workflow.NewManager(cfg, st, nil)
	mgr.ConfigureStages(workflow.StageSet{Sync: noopStage{}})
	d, err := daemon.New(cfg, st, nil, mgr, source.NewPoller(st, bindings, limits, nil), bindings, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	return d, st
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := newDaemon(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if len(status.Sources) != 1 || status.Sources[0] != "hook" {
		t.Fatalf("unexpected sources %v", status.Sources)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestWebhookDeliveryBecomesIngestJobs(t *testing.T) {
	d, st := newDaemon(t, nil)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	base := "http://" + d.Addr()

	body := []byte(`[{"externalId":"w-1","content":"Add SSO"},{"externalId":"w-2","content":"Add SAML"}]`)
	tests := []struct {
		name      string
		path      string
		signature string
		want      int
	}{
		{name: "valid", path: "/hooks/hook", signature: source.Sign(hookSecret, body), want: http.StatusAccepted},
		{name: "bad signature", path: "/hooks/hook", signature: source.Sign("wrong", body), want: http.StatusUnauthorized},
		{name: "unknown source", path: "/hooks/nope", signature: source.Sign(hookSecret, body), want: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, base+tc.path, bytes.NewReader(body))
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			req.Header.Set(source.SignatureHeader, tc.signature)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if resp.Header.Get("X-Request-ID") == "" {
				t.Fatal("expected a request id on the response")
			}
		})
	}

	jobs, err := st.ListJobs(ctx, store.JobFilter{WorkspaceID: "acme", Stage: store.StageIngest})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 ingest jobs, got %d", len(jobs))
	}
	ev, err := source.DecodeEvent(jobs[len(jobs)-1].Payload)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Source != "hook" || ev.Item.ExternalID != "w-1" {
		t.Fatalf("unexpected first event %+v", ev)
	}
}

func TestStatusEndpointRequiresToken(t *testing.T) {
	d, _ := newDaemon(t, func(cfg *config.Config) { cfg.Server.Token = "tok" })
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	url := "http://" + d.Addr() + "/api/status"

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload daemon.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Running || !payload.SchemaOK {
		t.Fatalf("unexpected status %+v", payload)
	}
	if _, ok := payload.Stages["sync"]; !ok {
		t.Fatalf("expected sync lane in %+v", payload.Stages)
	}

	metricsResp, err := http.Get("http://" + d.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", metricsResp.StatusCode)
	}
}

func TestDeletedWorkspaceRejectsDeliveries(t *testing.T) {
	d, _ := newDaemon(t, nil)
	ctx := context.Background()
	if _, _, err := d.DeleteWorkspace(ctx, "acme"); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	body := []byte(`{"externalId":"w-3","content":"Late"}`)
	if _, err := d.AcceptWebhook(ctx, "hook", source.Sign(hookSecret, body), body); err == nil {
		t.Fatal("expected delivery to a deleted workspace to fail")
	}
}
