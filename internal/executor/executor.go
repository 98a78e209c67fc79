// Package executor drives one job through the agent runtime: it opens a
// session, submits the prompt, waits out the run while auto-deciding
// permission requests and mirroring stream events into the job's event
// log, verifies outputs, and packages the result bundle (spec.md §4.10).
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kraklabs/coderun/internal/agentclient"
	"github.com/kraklabs/coderun/internal/artifact"
	"github.com/kraklabs/coderun/internal/eventbridge"
	"github.com/kraklabs/coderun/internal/permission"
	"github.com/kraklabs/coderun/internal/repository"
	"github.com/kraklabs/coderun/internal/skills"
	"github.com/kraklabs/coderun/internal/workspace"
)

// errAborted signals that SetStatus refused a write because the job is
// already in its terminal aborted state; run() treats it as a clean stop.
var errAborted = errors.New("executor: job was aborted")

// Config bounds the executor's timing behavior (spec.md §6.5). JobHardTimeout
// is enforced by the caller as an outer context deadline around Run, not by
// the executor itself.
type Config struct {
	JobSoftTimeout        time.Duration
	JobHardTimeout        time.Duration
	PermissionWaitTimeout time.Duration
	StatusPollInterval    time.Duration
}

// Executor runs jobs to completion against one agent runtime.
type Executor struct {
	repo       *repository.Repository
	registry   *skills.Registry
	workspaces *workspace.Manager
	artifacts  *artifact.Manager
	agent      *agentclient.Client
	events     *eventbridge.Bridge
	policy     *permission.Engine
	cfg        Config
	logger     *log.Logger
}

// New builds an Executor from its fully-wired dependencies.
func New(
	repo *repository.Repository,
	registry *skills.Registry,
	workspaces *workspace.Manager,
	artifacts *artifact.Manager,
	agent *agentclient.Client,
	events *eventbridge.Bridge,
	policy *permission.Engine,
	cfg Config,
	logger *log.Logger,
) *Executor {
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 2 * time.Second
	}
	return &Executor{
		repo: repo, registry: registry, workspaces: workspaces, artifacts: artifacts,
		agent: agent, events: events, policy: policy, cfg: cfg, logger: logger,
	}
}

// Run drives jobID from queued through to a terminal status. An abort
// returns nil. Any other failure is recorded on the job row as StatusFailed
// and its error is returned as well, except a transient
// *agentclient.ErrConnect, which is returned without touching the job's
// status so the worker loop can retry it. A job that cannot be loaded is
// returned as an error without any status write.
func (e *Executor) Run(ctx context.Context, jobID string) error {
	job, err := e.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("run job %s: %w", jobID, err)
	}
	if job.Status == repository.StatusAborted {
		return nil
	}

	workspaceDir := filepath.Join(e.workspaces.DataRoot(), jobID)
	skill, err := e.registry.Get(job.SelectedSkill)
	if err != nil {
		return e.fail(ctx, jobID, "unknown_skill", err)
	}

	skillCtx, err := e.buildContext(ctx, job, workspaceDir)
	if err != nil {
		return e.fail(ctx, jobID, "context_build_failed", err)
	}

	runErr := e.runJob(ctx, job, skill, skillCtx, workspaceDir)
	if runErr == nil {
		return nil
	}
	if errors.Is(runErr, errAborted) {
		_, _ = e.repo.SetStatus(ctx, jobID, repository.StatusAborted, "", "", false)
		_, _ = e.repo.AddEvent(ctx, jobID, repository.SourceWorker, "job.aborted", string(repository.StatusAborted), "job aborted", "")
		return nil
	}
	var connErr *agentclient.ErrConnect
	if errors.As(runErr, &connErr) {
		// Transient agent-runtime connect/read-timeout failure: leave the
		// job's status as-is and let the queue's worker retry it. Terminal-
		// marking here would make the retry overwrite failed -> running.
		e.logger.Printf("job %s: transient agent runtime error, not terminal-marking: %v", jobID, runErr)
		return runErr
	}
	return e.fail(ctx, jobID, "job_execution_failed", runErr)
}

func (e *Executor) fail(ctx context.Context, jobID, code string, cause error) error {
	_, _ = e.repo.SetStatus(ctx, jobID, repository.StatusFailed, code, cause.Error(), false)
	_, _ = e.repo.AddEvent(ctx, jobID, repository.SourceWorker, "job.failed", string(repository.StatusFailed), cause.Error(), "")
	return cause
}

func (e *Executor) buildContext(ctx context.Context, job repository.Job, workspaceDir string) (skills.Context, error) {
	inputs, err := e.repo.ListJobFiles(ctx, job.ID, categoryPtr(repository.CategoryInput))
	if err != nil {
		return skills.Context{}, err
	}
	paths := make([]string, 0, len(inputs))
	for _, f := range inputs {
		paths = append(paths, filepath.Join(workspaceDir, f.RelativePath))
	}

	var contract map[string]any
	if job.OutputContractJSON != "" {
		if err := json.Unmarshal([]byte(job.OutputContractJSON), &contract); err != nil {
			return skills.Context{}, fmt.Errorf("parse output contract: %w", err)
		}
	}

	return skills.Context{
		JobID:           job.ID,
		TenantID:        job.TenantID,
		Requirement:     job.RequirementText,
		WorkspaceDir:    workspaceDir,
		InputFiles:      paths,
		SelectedSkill:   job.SelectedSkill,
		Agent:           job.Agent,
		ModelProviderID: job.ModelProviderID,
		ModelID:         job.ModelID,
		OutputContract:  contract,
	}, nil
}

func categoryPtr(c repository.FileCategory) *repository.FileCategory { return &c }

func (e *Executor) setStatusOrAbort(ctx context.Context, jobID string, status repository.JobStatus) error {
	changed, err := e.repo.SetStatus(ctx, jobID, status, "", "", true)
	if err != nil {
		return err
	}
	if !changed {
		return errAborted
	}
	return nil
}

func (e *Executor) ensureNotAborted(ctx context.Context, jobID, workspaceDir, sessionID string) error {
	job, err := e.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != repository.StatusAborted {
		return nil
	}
	if sessionID != "" {
		_ = e.agent.AbortSession(ctx, workspaceDir, sessionID)
	}
	return errAborted
}

func (e *Executor) runJob(ctx context.Context, job repository.Job, skill skills.Skill, skillCtx skills.Context, workspaceDir string) error {
	jobID := job.ID

	if err := e.setStatusOrAbort(ctx, jobID, repository.StatusRunning); err != nil {
		return err
	}

	sessionID, err := e.agent.CreateSession(ctx, workspaceDir, fmt.Sprintf("job-%s", jobID))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := e.repo.SetSessionID(ctx, jobID, sessionID); err != nil {
		return err
	}
	if err := e.ensureNotAborted(ctx, jobID, workspaceDir, sessionID); err != nil {
		return err
	}

	planPath := filepath.Join(workspaceDir, "job", "execution-plan.json")
	planBytes, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("read execution plan: %w", err)
	}
	var plan map[string]any
	if err := json.Unmarshal(planBytes, &plan); err != nil {
		return fmt.Errorf("parse execution plan: %w", err)
	}

	prompt := skill.BuildPrompt(skillCtx, plan)
	var model *agentclient.Model
	if skillCtx.ModelProviderID != "" {
		model = &agentclient.Model{ProviderID: skillCtx.ModelProviderID, ModelID: skillCtx.ModelID}
	}
	if err := e.agent.PromptAsync(ctx, workspaceDir, sessionID, prompt, skillCtx.Agent, model); err != nil {
		return fmt.Errorf("submit prompt: %w", err)
	}
	_, _ = e.repo.AddEvent(ctx, jobID, repository.SourceWorker, "opencode.prompt_async.sent", "", "prompt_async submitted", "")

	if err := e.waitForCompletion(ctx, jobID, workspaceDir, sessionID); err != nil {
		return err
	}
	if err := e.ensureNotAborted(ctx, jobID, workspaceDir, sessionID); err != nil {
		return err
	}

	e.recordLastMessage(ctx, jobID, workspaceDir, sessionID)

	if err := e.setStatusOrAbort(ctx, jobID, repository.StatusVerifying); err != nil {
		return err
	}
	if err := e.verifyInputsUnchanged(ctx, jobID, workspaceDir); err != nil {
		return err
	}
	if err := skill.ValidateOutputs(skillCtx); err != nil {
		return err
	}

	if err := e.setStatusOrAbort(ctx, jobID, repository.StatusPackaging); err != nil {
		return err
	}
	if err := e.packageResult(ctx, jobID, workspaceDir, sessionID); err != nil {
		return err
	}

	return e.setStatusOrAbort(ctx, jobID, repository.StatusSucceeded)
}

func (e *Executor) recordLastMessage(ctx context.Context, jobID, workspaceDir, sessionID string) {
	messages, err := e.agent.GetLastMessage(ctx, workspaceDir, sessionID, 1)
	if err != nil {
		_, _ = e.repo.AddEvent(ctx, jobID, repository.SourceWorker, "opencode.last_message.read.failed", "", err.Error(), "")
		return
	}
	if len(messages) == 0 {
		return
	}
	encoded, err := json.MarshalIndent(messages[0], "", "  ")
	if err != nil {
		return
	}
	if err := e.workspaces.WriteLastMessage(workspaceDir, string(encoded)); err != nil {
		e.logger.Printf("job %s: write last message: %v", jobID, err)
	}
}

func (e *Executor) verifyInputsUnchanged(ctx context.Context, jobID, workspaceDir string) error {
	inputs, err := e.repo.ListJobFiles(ctx, jobID, categoryPtr(repository.CategoryInput))
	if err != nil {
		return err
	}
	for _, f := range inputs {
		path := filepath.Join(workspaceDir, f.RelativePath)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("input file missing: %s", f.RelativePath)
		}
		sum, err := workspace.SHA256File(path)
		if err != nil {
			return err
		}
		if sum != f.SHA256 {
			return fmt.Errorf("input file modified unexpectedly: %s", f.RelativePath)
		}
	}
	return nil
}

func (e *Executor) packageResult(ctx context.Context, jobID, workspaceDir, sessionID string) error {
	bundlePath, err := e.artifacts.BuildBundle(workspaceDir, jobID, sessionID)
	if err != nil {
		return fmt.Errorf("build bundle: %w", err)
	}
	if err := e.repo.SetResultBundle(ctx, jobID, bundlePath); err != nil {
		return err
	}

	outputs, err := e.artifacts.CollectOutputEntries(workspaceDir)
	if err != nil {
		return err
	}
	for _, entry := range outputs {
		if _, err := e.repo.UpsertJobFile(ctx, jobID, repository.CategoryOutput, entry.RelativePath, "", entry.SizeBytes, entry.SHA256); err != nil {
			return err
		}
	}

	bundleRel, _ := filepath.Rel(workspaceDir, bundlePath)
	bundleSum, err := workspace.SHA256File(bundlePath)
	if err != nil {
		return err
	}
	bundleSize, err := artifact.SizeOf(bundlePath)
	if err != nil {
		return err
	}
	if _, err := e.repo.UpsertJobFile(ctx, jobID, repository.CategoryBundle, filepath.ToSlash(bundleRel), "application/zip", bundleSize, bundleSum); err != nil {
		return err
	}

	logPath := filepath.Join(workspaceDir, "logs", "opencode-last-message.md")
	if info, err := os.Stat(logPath); err == nil && !info.IsDir() {
		logSum, err := workspace.SHA256File(logPath)
		if err != nil {
			return err
		}
		if _, err := e.repo.UpsertJobFile(ctx, jobID, repository.CategoryLog, "logs/opencode-last-message.md", "text/markdown", info.Size(), logSum); err != nil {
			return err
		}
	}
	return nil
}
