// Package orchestrator implements the Orchestrator Service (spec.md §4.8):
// job creation, start/abort transitions, and the read-only queries the
// HTTP facade serves.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/kraklabs/coderun/internal/agentclient"
	"github.com/kraklabs/coderun/internal/apierr"
	"github.com/kraklabs/coderun/internal/repository"
	"github.com/kraklabs/coderun/internal/skills"
	"github.com/kraklabs/coderun/internal/workspace"
)

// UploadedFile is one input file accompanying a create-job request.
type UploadedFile struct {
	Filename    string
	Content     []byte
	ContentType string
}

// CreateJobRequest groups the arguments to CreateJob.
type CreateJobRequest struct {
	Requirement    string
	Files          []UploadedFile
	SkillCode      string
	Agent          string
	ModelProvider  string
	ModelID        string
	OutputContract map[string]any
	IdempotencyKey string
	TenantID       string
	CreatedBy      string
}

// Enqueuer submits a job for asynchronous execution (spec.md §5). The
// HTTP-facing Service depends on this interface rather than internal/queue
// directly, so its wiring stays in cmd/coderun.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Service is the Orchestrator Service.
type Service struct {
	repo         *repository.Repository
	registry     *skills.Registry
	router       *skills.Router
	workspaces   *workspace.Manager
	agent        *agentclient.Client
	queue        Enqueuer
	defaultAgent string
	defaultTID   string
	defaultActor string
}

// New builds a Service from its dependencies.
func New(
	repo *repository.Repository,
	registry *skills.Registry,
	router *skills.Router,
	workspaces *workspace.Manager,
	agent *agentclient.Client,
	queue Enqueuer,
	defaultAgent, defaultTenantID, defaultCreatedBy string,
) *Service {
	return &Service{
		repo: repo, registry: registry, router: router, workspaces: workspaces,
		agent: agent, queue: queue,
		defaultAgent: defaultAgent, defaultTID: defaultTenantID, defaultActor: defaultCreatedBy,
	}
}

// CreateJob validates the request, stores uploaded inputs, routes to a
// skill, writes the execution plan, and persists the job row. It is
// idempotent on (tenant, idempotency_key, requirement_hash).
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (repository.Job, error) {
	if isBlank(req.Requirement) {
		return repository.Job{}, apierr.InvalidArgument("requirement is required")
	}
	if len(req.Files) == 0 {
		return repository.Job{}, apierr.InvalidArgument("at least one file is required")
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = s.defaultTID
	}
	actor := req.CreatedBy
	if actor == "" {
		actor = s.defaultActor
	}
	reqHash := requirementHash(req.Requirement, req.Files)

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetJobByIdempotency(ctx, tenant, req.IdempotencyKey, reqHash)
		if err == nil {
			return existing, nil
		}
		if err != repository.ErrNotFound {
			return repository.Job{}, err
		}
	}

	jobID := uuid.NewString()
	workspaceDir, err := s.workspaces.CreateWorkspace(jobID)
	if err != nil {
		return repository.Job{}, fmt.Errorf("create workspace: %w", err)
	}

	stored := make([]workspace.StoredFile, 0, len(req.Files))
	for _, f := range req.Files {
		sf, err := s.workspaces.StoreInputFile(workspaceDir, f.Filename, f.Content, f.ContentType)
		if err != nil {
			return repository.Job{}, apierr.InvalidArgument(err.Error())
		}
		stored = append(stored, sf)
	}

	paths := make([]string, 0, len(stored))
	for _, sf := range stored {
		paths = append(paths, sf.AbsolutePath)
	}
	skill, routeReason, err := s.router.Select(req.Requirement, paths, req.SkillCode)
	if err != nil {
		return repository.Job{}, apierr.InvalidArgument(err.Error())
	}

	chosenAgent := req.Agent
	if chosenAgent == "" {
		chosenAgent = s.defaultAgent
	}

	skillCtx := skills.Context{
		JobID:           jobID,
		TenantID:        tenant,
		Requirement:     req.Requirement,
		WorkspaceDir:    workspaceDir,
		InputFiles:      paths,
		SelectedSkill:   skill.Descriptor().Code,
		Agent:           chosenAgent,
		ModelProviderID: req.ModelProvider,
		ModelID:         req.ModelID,
		OutputContract:  req.OutputContract,
	}
	plan := skill.BuildExecutionPlan(skillCtx)

	if err := s.workspaces.WriteRequestMarkdown(workspaceDir, req.Requirement); err != nil {
		return repository.Job{}, err
	}
	if err := s.workspaces.WriteExecutionPlan(workspaceDir, plan); err != nil {
		return repository.Job{}, err
	}

	outputContract, _ := plan["output_contract"].(map[string]any)
	contractJSON, err := json.Marshal(outputContract)
	if err != nil {
		return repository.Job{}, err
	}

	inputFiles := make([]repository.JobFile, 0, len(stored))
	for _, sf := range stored {
		inputFiles = append(inputFiles, repository.JobFile{
			RelativePath: sf.RelativePath,
			MimeType:     sf.MimeType,
			SizeBytes:    sf.SizeBytes,
			SHA256:       sf.SHA256,
		})
	}

	job, err := s.repo.CreateJob(ctx, repository.CreateJobParams{
		ID:                  jobID,
		TenantID:            tenant,
		CreatedBy:           actor,
		RequirementText:     req.Requirement,
		RequirementHash:     reqHash,
		SelectedSkill:       skill.Descriptor().Code,
		Agent:               chosenAgent,
		ModelProviderID:     req.ModelProvider,
		ModelID:             req.ModelID,
		OutputContractJSON:  string(contractJSON),
		IdempotencyKey:      req.IdempotencyKey,
		InputFiles:          inputFiles,
	})
	if err != nil {
		return repository.Job{}, err
	}

	if routeReason != "" {
		payload, _ := json.Marshal(map[string]string{"selected_skill": skill.Descriptor().Code})
		_, _ = s.repo.AddEvent(ctx, job.ID, repository.SourceAPI, "skill.router.fallback", "", routeReason, string(payload))
	}
	return job, nil
}

// StartJob transitions a created/failed job to queued and enqueues it for
// execution. It first checks the agent runtime is reachable.
func (s *Service) StartJob(ctx context.Context, jobID string) (repository.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return repository.Job{}, notFoundOr(err)
	}
	if job.Status != repository.StatusCreated && job.Status != repository.StatusFailed {
		return repository.Job{}, apierr.Conflict(fmt.Sprintf("job cannot be started from status=%s", job.Status))
	}

	if _, err := s.agent.Health(ctx); err != nil {
		return repository.Job{}, apierr.ServiceUnavailable(fmt.Sprintf("agent runtime unavailable: %v", err))
	}

	if _, err := s.repo.SetStatus(ctx, jobID, repository.StatusQueued, "", "", true); err != nil {
		return repository.Job{}, err
	}
	if err := s.queue.Enqueue(ctx, jobID); err != nil {
		return repository.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	_, _ = s.repo.AddEvent(ctx, jobID, repository.SourceAPI, "job.enqueued", string(repository.StatusQueued), "", "")

	return s.repo.GetJob(ctx, jobID)
}

// AbortJob requests cooperative cancellation: it signals the agent runtime
// (best-effort, if a session is open) and writes the terminal aborted status.
func (s *Service) AbortJob(ctx context.Context, jobID string) (repository.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return repository.Job{}, notFoundOr(err)
	}
	if job.SessionID != "" {
		workspaceDir, err := s.workspaces.CreateWorkspace(jobID)
		if err == nil {
			_ = s.agent.AbortSession(ctx, workspaceDir, job.SessionID)
		}
	}
	if _, err := s.repo.SetStatus(ctx, jobID, repository.StatusAborted, "", "", true); err != nil {
		return repository.Job{}, err
	}
	return s.repo.GetJob(ctx, jobID)
}

// GetJob returns the job row for jobID.
func (s *Service) GetJob(ctx context.Context, jobID string) (repository.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return repository.Job{}, notFoundOr(err)
	}
	return job, nil
}

// ListJobEvents returns events after afterID, oldest first.
func (s *Service) ListJobEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]repository.JobEvent, error) {
	return s.repo.ListEvents(ctx, jobID, afterID, limit)
}

var downloadableCategories = map[repository.FileCategory]bool{
	repository.CategoryOutput: true,
	repository.CategoryBundle: true,
}

// ListArtifacts returns every downloadable (output/bundle) file for jobID.
func (s *Service) ListArtifacts(ctx context.Context, jobID string) ([]repository.JobFile, error) {
	files, err := s.repo.ListJobFiles(ctx, jobID, nil)
	if err != nil {
		return nil, err
	}
	out := make([]repository.JobFile, 0, len(files))
	for _, f := range files {
		if downloadableCategories[f.Category] {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

// GetBundlePath resolves the absolute path to jobID's result bundle.
func (s *Service) GetBundlePath(ctx context.Context, jobID string) (string, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.ResultBundlePath == "" {
		return "", apierr.NotFound("bundle not generated yet")
	}
	if !fileExists(job.ResultBundlePath) {
		return "", apierr.NotFound("bundle path missing on disk")
	}
	return job.ResultBundlePath, nil
}

// GetArtifactPath resolves the absolute path to one artifact by its file id.
func (s *Service) GetArtifactPath(ctx context.Context, jobID string, artifactID int64) (string, error) {
	artifact, err := s.repo.GetJobFile(ctx, artifactID)
	if err != nil || artifact.JobID != jobID {
		return "", apierr.NotFound("artifact not found")
	}
	if !downloadableCategories[artifact.Category] {
		return "", apierr.NotFound("artifact category is not downloadable")
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	workspaceDir, err := s.workspaces.CreateWorkspace(job.ID)
	if err != nil {
		return "", err
	}
	path := joinWorkspace(workspaceDir, artifact.RelativePath)
	if !fileExists(path) {
		return "", apierr.NotFound("artifact file missing")
	}
	return path, nil
}

// ListSkills returns the skill catalog, optionally filtered by task type.
func (s *Service) ListSkills(taskType string) []skills.Descriptor {
	all := s.registry.ListDescriptors()
	if taskType == "" {
		return all
	}
	out := make([]skills.Descriptor, 0, len(all))
	for _, d := range all {
		if d.TaskType == taskType {
			out = append(out, d)
		}
	}
	return out
}

// SkillDetail is one catalog entry enriched with a sample output contract.
type SkillDetail struct {
	skills.Descriptor
	SampleOutputContract map[string]any `json:"sample_output_contract,omitempty"`
}

// GetSkill returns skillCode's descriptor plus a sample execution plan's
// output_contract, built against a throwaway sample context.
func (s *Service) GetSkill(skillCode string) (SkillDetail, error) {
	skill, err := s.registry.Get(skillCode)
	if err != nil {
		return SkillDetail{}, apierr.NotFound(err.Error())
	}
	sampleCtx := skills.Context{
		JobID:         "sample",
		TenantID:      s.defaultTID,
		Requirement:   "sample",
		WorkspaceDir:  "/tmp/sample",
		SelectedSkill: skill.Descriptor().Code,
		Agent:         s.defaultAgent,
	}
	plan := skill.BuildExecutionPlan(sampleCtx)
	contract, _ := plan["output_contract"].(map[string]any)
	return SkillDetail{Descriptor: skill.Descriptor(), SampleOutputContract: contract}, nil
}

func requirementHash(requirement string, files []UploadedFile) string {
	sorted := make([]UploadedFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Filename < sorted[j].Filename })

	h := sha256.New()
	h.Write([]byte(trimSpace(requirement)))
	for _, f := range sorted {
		contentSum := sha256.Sum256(f.Content)
		h.Write([]byte(f.Filename))
		h.Write([]byte(hex.EncodeToString(contentSum[:])))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func notFoundOr(err error) error {
	if err == repository.ErrNotFound {
		return apierr.NotFound("job not found")
	}
	return err
}
