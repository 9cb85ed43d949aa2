package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"sieve/internal/dispatch"
	"sieve/internal/store"
	"sieve/internal/testsupport"
)

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse an existing file")
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, redacted)
	if strings.Contains(out, "tok-secret") {
		t.Fatalf("server token leaked: %q", out)
	}
}

func TestIngestQueuesFeedback(t *testing.T) {
	env := setupCLITestEnv(t)

	input := filepath.Join(env.baseDir, "feedback.jsonl")
	lines := strings.Join([]string{
		`{"externalId":"f-1","content":"Search is slow"}`,
		`not json`,
		``,
		`{"externalId":"f-2","content":"Search times out"}`,
	}, "\n")
	if err := os.WriteFile(input, []byte(lines), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	out, _, err := runCLI(t, []string{"--workspace", "acme", "ingest", input, "--source", "survey"}, env.configPath)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	requireContains(t, out, "Queued 2 feedback records into acme")
	requireContains(t, out, "Skipped 1 unreadable lines")

	jobs, err := env.store.ListJobs(context.Background(), store.JobFilter{WorkspaceID: "acme", Stage: store.StageIngest})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 ingest jobs, got %d", len(jobs))
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"workspace", "create", "beta", "--name", "Beta Corp"}, env.configPath)
	if err != nil {
		t.Fatalf("workspace create: %v", err)
	}
	requireContains(t, out, "Created workspace beta")

	out, _, err = runCLI(t, []string{"workspace", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("workspace list: %v", err)
	}
	requireContains(t, out, "Beta Corp")

	out, _, err = runCLI(t, []string{"workspace", "delete", "beta"}, env.configPath)
	if err != nil {
		t.Fatalf("workspace delete: %v", err)
	}
	requireContains(t, out, "Deleted workspace beta")

	input := filepath.Join(env.baseDir, "one.jsonl")
	if err := os.WriteFile(input, []byte(`{"externalId":"x","content":"hello"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if _, _, err := runCLI(t, []string{"--workspace", "beta", "ingest", input}, env.configPath); err == nil {
		t.Fatal("expected ingest into a deleted workspace to fail")
	}
}

func TestJobsListAndRetry(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	if _, err := env.store.EnsureWorkspace(ctx, "default"); err != nil {
		t.Fatalf("EnsureWorkspace: %v", err)
	}
	id, err := env.store.Enqueue(ctx, store.NewJob{WorkspaceID: "default", Stage: store.StageEmbed, EntityID: 7})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := env.store.ClaimNext(ctx, store.StageEmbed); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := env.store.FailJob(ctx, id, "provider exploded"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	out, _, err := runCLI(t, []string{"jobs", "list", "--status", "failed"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	requireContains(t, out, "provider exploded")

	if _, _, err := runCLI(t, []string{"jobs", "list", "--status", "bogus"}, env.configPath); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}

	out, _, err = runCLI(t, []string{"jobs", "retry"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs retry: %v", err)
	}
	requireContains(t, out, "Requeued 1 failed jobs")

	job, err := env.store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.JobPending {
		t.Fatalf("expected pending after retry, got %s", job.Status)
	}
}

func TestRequirementsShowAndExport(t *testing.T) {
	env := setupCLITestEnv(t)
	req := seedRequirement(t, env.store, "default")
	id := strconv.FormatInt(req.ID, 10)

	out, _, err := runCLI(t, []string{"requirements", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("requirements list: %v", err)
	}
	requireContains(t, out, "Faster exports")

	out, _, err = runCLI(t, []string{"requirements", "show", id}, env.configPath)
	if err != nil {
		t.Fatalf("requirements show: %v", err)
	}
	requireContains(t, out, "Exports of 10k rows finish in 5 seconds")

	out, _, err = runCLI(t, []string{"requirements", "export", id}, env.configPath)
	if err != nil {
		t.Fatalf("requirements export: %v", err)
	}
	var payload dispatch.ExportPayload
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode export: %v (%q)", err, out)
	}
	if payload.Title != "Faster exports" || payload.Priority != "medium" || len(payload.SourceFeedbackIDs) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if _, _, err := runCLI(t, []string{"requirements", "show", "999"}, env.configPath); err == nil {
		t.Fatal("expected a missing requirement to fail")
	}
}

func TestSyncPushIsIdempotent(t *testing.T) {
	env := setupCLITestEnv(t)
	req := seedRequirement(t, env.store, "default")
	id := strconv.FormatInt(req.ID, 10)

	out, _, err := runCLI(t, []string{"sync", "push", id, "--target", "local"}, env.configPath)
	if err != nil {
		t.Fatalf("sync push: %v", err)
	}
	requireContains(t, out, "local: created")

	out, _, err = runCLI(t, []string{"sync", "push", id}, env.configPath)
	if err != nil {
		t.Fatalf("second sync push: %v", err)
	}
	requireContains(t, out, "local: existing")

	records, err := dispatch.ReadExports(env.cfg.Sync.Targets[0].Path)
	if err != nil {
		t.Fatalf("ReadExports: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one exported record, got %d", len(records))
	}
}

func TestReviewResolveQueuesSynthesis(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()
	req := seedRequirement(t, env.store, "default")

	entryID, err := env.store.AddReviewEntry(ctx, store.ReviewEntry{
		WorkspaceID:   "default",
		ClusterID:     req.ClusterID,
		RequirementID: req.ID,
		Reason:        "malformed output",
	})
	if err != nil {
		t.Fatalf("AddReviewEntry: %v", err)
	}

	out, _, err := runCLI(t, []string{"review", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("review list: %v", err)
	}
	requireContains(t, out, "malformed output")

	idArg := strconv.FormatInt(entryID, 10)
	out, _, err = runCLI(t, []string{"review", "resolve", idArg}, env.configPath)
	if err != nil {
		t.Fatalf("review resolve: %v", err)
	}
	requireContains(t, out, "Resolved review entry")
	requireContains(t, out, "Queued synthesis job")

	jobs, err := env.store.ListJobs(ctx, store.JobFilter{WorkspaceID: "default", Stage: store.StageSynthesize})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].EntityID != req.ClusterID {
		t.Fatalf("expected one synthesis job for cluster %d, got %+v", req.ClusterID, jobs)
	}

	out, _, err = runCLI(t, []string{"review", "resolve", idArg}, env.configPath)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	requireContains(t, out, "already resolved")
}

func TestRequirementsSynthesizeReportsUnknownClusters(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.MustWorkspace(t, env.store, "default")

	out, _, err := runCLI(t, []string{"requirements", "synthesize", "--limit", "3"}, env.configPath)
	if err != nil {
		t.Fatalf("requirements synthesize: %v", err)
	}
	requireContains(t, out, "(none)")

	out, _, err = runCLI(t, []string{"requirements", "synthesize", "999"}, env.configPath)
	if err == nil {
		t.Fatal("expected an unknown cluster to fail the command")
	}
	requireContains(t, out, "not in workspace default")
}

func TestRunDrainsEmptyQueue(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"run", "--no-wait"}, env.configPath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	requireContains(t, out, "Processed 0 jobs (0 failed)")
}

func TestDaemonStatusWhenStopped(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"daemon", "status"}, env.configPath)
	if err != nil {
		t.Fatalf("daemon status: %v", err)
	}
	requireContains(t, out, "Daemon: not running")

	out, _, err = runCLI(t, []string{"daemon", "stop"}, env.configPath)
	if err != nil {
		t.Fatalf("daemon stop: %v", err)
	}
	requireContains(t, out, "Daemon is not running")
}

func TestDoctorPassesOffline(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"doctor"}, env.configPath)
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	requireContains(t, out, "Tier premium")
	requireContains(t, out, "Database")
}
