package executor

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/coderun/internal/agentclient"
	"github.com/kraklabs/coderun/internal/artifact"
	"github.com/kraklabs/coderun/internal/eventbridge"
	"github.com/kraklabs/coderun/internal/permission"
	"github.com/kraklabs/coderun/internal/repository"
	"github.com/kraklabs/coderun/internal/skills"
	"github.com/kraklabs/coderun/internal/workspace"
)

func fakeAgentServer(t *testing.T, sessionID string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": sessionID})
	})
	mux.HandleFunc("/session/"+sessionID+"/prompt_async", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			sessionID: map[string]any{"type": "idle"},
		})
	})
	mux.HandleFunc("/permission", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]agentclient.PermissionRequest{})
	})
	mux.HandleFunc("/session/"+sessionID+"/message", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{{"role": "assistant", "content": "done"}})
	})
	mux.HandleFunc("/session/"+sessionID+"/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fakeEventServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fixture struct {
	exec         *Executor
	repo         *repository.Repository
	workspaces   *workspace.Manager
	workspaceDir string
	jobID        string
}

func newFixture(t *testing.T, agentSrv, eventSrv *httptest.Server) fixture {
	t.Helper()
	repo, err := repository.Open(filepath.Join(t.TempDir(), "coderun.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	registry := skills.NewRegistry()
	workspaces := workspace.New(t.TempDir(), 0)
	artifacts := artifact.New()
	policy := permission.NewEngine()

	agent := agentclient.New(agentSrv.URL, agentclient.Credentials{}, 5*time.Second)
	var events *eventbridge.Bridge
	if eventSrv != nil {
		events = eventbridge.New(eventSrv.URL, eventbridge.Credentials{}, 5*time.Second)
	}

	cfg := Config{
		JobSoftTimeout:        5 * time.Second,
		JobHardTimeout:        10 * time.Second,
		PermissionWaitTimeout: 5 * time.Second,
		StatusPollInterval:    10 * time.Millisecond,
	}
	exec := New(repo, registry, workspaces, artifacts, agent, events, policy, cfg, testLogger())

	jobID := "job-1"
	workspaceDir, err := workspaces.CreateWorkspace(jobID)
	require.NoError(t, err)

	stored, err := workspaces.StoreInputFile(workspaceDir, "input.csv", []byte("a,b\n1,2\n"), "text/csv")
	require.NoError(t, err)

	skill, err := registry.Get("general-default")
	require.NoError(t, err)
	skillCtx := skills.Context{
		JobID:        jobID,
		Requirement:  "do the thing",
		WorkspaceDir: workspaceDir,
		InputFiles:   []string{stored.AbsolutePath},
	}
	plan := skill.BuildExecutionPlan(skillCtx)

	require.NoError(t, workspaces.WriteRequestMarkdown(workspaceDir, "do the thing"))
	require.NoError(t, workspaces.WriteExecutionPlan(workspaceDir, plan))

	require.NoError(t, os.MkdirAll(filepath.Join(workspaceDir, "outputs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspaceDir, "outputs", "result.txt"), []byte("ok"), 0o644))

	_, err = repo.CreateJob(context.Background(), repository.CreateJobParams{
		ID:                 jobID,
		TenantID:           "tenant-1",
		CreatedBy:          "system",
		RequirementText:    "do the thing",
		RequirementHash:    "hash-1",
		SelectedSkill:      "general-default",
		Agent:              "claude",
		OutputContractJSON: "{}",
		InputFiles: []repository.JobFile{
			{RelativePath: stored.RelativePath, MimeType: stored.MimeType, SizeBytes: stored.SizeBytes, SHA256: stored.SHA256},
		},
	})
	require.NoError(t, err)

	return fixture{exec: exec, repo: repo, workspaces: workspaces, workspaceDir: workspaceDir, jobID: jobID}
}

func TestRunCompletesSuccessfully(t *testing.T) {
	agentSrv := fakeAgentServer(t, "sess-1")
	eventSrv := fakeEventServer(t)
	f := newFixture(t, agentSrv, eventSrv)

	err := f.exec.Run(context.Background(), f.jobID)
	require.NoError(t, err)

	job, err := f.repo.GetJob(context.Background(), f.jobID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSucceeded, job.Status)
	assert.NotEmpty(t, job.ResultBundlePath)
	assert.FileExists(t, job.ResultBundlePath)

	files, err := f.repo.ListJobFiles(context.Background(), f.jobID, nil)
	require.NoError(t, err)
	var sawBundle, sawOutput bool
	for _, file := range files {
		if file.Category == repository.CategoryBundle {
			sawBundle = true
		}
		if file.Category == repository.CategoryOutput {
			sawOutput = true
		}
	}
	assert.True(t, sawBundle)
	assert.True(t, sawOutput)
}

func TestRunReturnsNilForAlreadyAbortedJob(t *testing.T) {
	agentSrv := fakeAgentServer(t, "sess-1")
	eventSrv := fakeEventServer(t)
	f := newFixture(t, agentSrv, eventSrv)

	_, err := f.repo.SetStatus(context.Background(), f.jobID, repository.StatusAborted, "", "", false)
	require.NoError(t, err)

	err = f.exec.Run(context.Background(), f.jobID)
	assert.NoError(t, err)
}

func TestRunFailsOnUnknownSkill(t *testing.T) {
	agentSrv := fakeAgentServer(t, "sess-1")
	eventSrv := fakeEventServer(t)
	f := newFixture(t, agentSrv, eventSrv)

	require.NoError(t, f.repo.Close())
	repo, err := repository.Open(filepath.Join(t.TempDir(), "coderun-2.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	f.exec = New(repo, skills.NewRegistry(), f.workspaces, artifact.New(), f.exec.agent, f.exec.events, f.exec.policy, f.exec.cfg, testLogger())

	_, err = repo.CreateJob(context.Background(), repository.CreateJobParams{
		ID:                 "job-2",
		TenantID:           "tenant-1",
		CreatedBy:          "system",
		RequirementText:    "do the thing",
		RequirementHash:    "hash-2",
		SelectedSkill:      "no-such-skill",
		Agent:              "claude",
		OutputContractJSON: "{}",
	})
	require.NoError(t, err)

	err = f.exec.Run(context.Background(), "job-2")
	require.Error(t, err)

	job, err := repo.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusFailed, job.Status)
	assert.Equal(t, "unknown_skill", job.ErrorCode)
}

func TestRunDoesNotTerminalMarkTransientConnectError(t *testing.T) {
	agentSrv := fakeAgentServer(t, "sess-1")
	eventSrv := fakeEventServer(t)
	f := newFixture(t, agentSrv, eventSrv)

	// Kill the agent runtime before Run dials it, so CreateSession fails
	// with a connect error instead of an HTTP error.
	agentSrv.Close()

	err := f.exec.Run(context.Background(), f.jobID)
	require.Error(t, err)
	var connErr *agentclient.ErrConnect
	assert.ErrorAs(t, err, &connErr)

	job, err := f.repo.GetJob(context.Background(), f.jobID)
	require.NoError(t, err)
	assert.NotEqual(t, repository.StatusFailed, job.Status)
	assert.Empty(t, job.ErrorCode)

	events, err := f.repo.ListEvents(context.Background(), f.jobID, 0, 100)
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, "job.failed", ev.EventType)
	}
}

func TestProcessPermissionsRepliesAndRecords(t *testing.T) {
	sessionID := "sess-perm"
	mux := http.NewServeMux()
	var replied string
	mux.HandleFunc("/permission", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]agentclient.PermissionRequest{
			{ID: "req-1", SessionID: sessionID, Permission: "file.edit", Patterns: []string{"outputs/result.txt"}},
		})
	})
	mux.HandleFunc("/permission/req-1/reply", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		replied, _ = body["reply"].(string)
		w.WriteHeader(http.StatusOK)
	})
	agentSrv := httptest.NewServer(mux)
	t.Cleanup(agentSrv.Close)

	f := newFixture(t, agentSrv, fakeEventServer(t))

	err := f.exec.processPermissions(context.Background(), f.jobID, f.workspaceDir)
	require.NoError(t, err)
	assert.Equal(t, "once", replied)

	events, err := f.repo.ListEvents(context.Background(), f.jobID, 0, 100)
	require.NoError(t, err)
	var sawReply bool
	for _, ev := range events {
		if ev.EventType == "permission.replied" {
			sawReply = true
		}
	}
	assert.True(t, sawReply)
}
