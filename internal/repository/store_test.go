package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coderun.sqlite")
	r, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestCreateJobAndGetJob(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	job, err := r.CreateJob(ctx, CreateJobParams{
		ID:              "job-1",
		TenantID:        "default",
		CreatedBy:       "api",
		RequirementText: "do something",
		RequirementHash: "hash-1",
		SelectedSkill:   "general-default",
		Agent:           "build",
		InputFiles: []JobFile{
			{RelativePath: "inputs/a.csv", MimeType: "text/csv", SizeBytes: 10, SHA256: "abc"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, job.Status)

	fetched, err := r.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "do something", fetched.RequirementText)

	files, err := r.ListJobFiles(ctx, "job-1", categoryPtr(CategoryInput))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "inputs/a.csv", files[0].RelativePath)

	events, err := r.ListEvents(ctx, "job-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "job.created", events[0].EventType)
}

func TestGetJobNotFound(t *testing.T) {
	r := openTestRepo(t)
	_, err := r.GetJob(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateJobIdempotencyReturnsExistingJob(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	params := CreateJobParams{
		ID:              "job-1",
		TenantID:        "default",
		RequirementText: "do something",
		RequirementHash: "hash-1",
		SelectedSkill:   "general-default",
		Agent:           "build",
		IdempotencyKey:  "key-1",
	}
	first, err := r.CreateJob(ctx, params)
	require.NoError(t, err)

	params.ID = "job-2"
	second, err := r.CreateJob(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	byKey, err := r.GetJobByIdempotency(ctx, "default", "key-1", "hash-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byKey.ID)
}

func TestSetStatusRefusesToLeaveTerminalAborted(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	_, err := r.CreateJob(ctx, CreateJobParams{
		ID: "job-1", TenantID: "default", RequirementText: "x", RequirementHash: "h",
		SelectedSkill: "general-default", Agent: "build",
	})
	require.NoError(t, err)

	changed, err := r.SetStatus(ctx, "job-1", StatusAborted, "", "", true)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.SetStatus(ctx, "job-1", StatusRunning, "", "", true)
	require.NoError(t, err)
	assert.False(t, changed)

	job, err := r.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, job.Status)
}

func TestUpsertJobFileUpdatesOnConflict(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	_, err := r.CreateJob(ctx, CreateJobParams{
		ID: "job-1", TenantID: "default", RequirementText: "x", RequirementHash: "h",
		SelectedSkill: "general-default", Agent: "build",
	})
	require.NoError(t, err)

	_, err = r.UpsertJobFile(ctx, "job-1", CategoryOutput, "outputs/report.md", "text/markdown", 100, "sum1")
	require.NoError(t, err)
	updated, err := r.UpsertJobFile(ctx, "job-1", CategoryOutput, "outputs/report.md", "text/markdown", 200, "sum2")
	require.NoError(t, err)
	assert.Equal(t, int64(200), updated.SizeBytes)
	assert.Equal(t, "sum2", updated.SHA256)

	files, err := r.ListJobFiles(ctx, "job-1", categoryPtr(CategoryOutput))
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestSetSessionIDAppendsEvent(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	_, err := r.CreateJob(ctx, CreateJobParams{
		ID: "job-1", TenantID: "default", RequirementText: "x", RequirementHash: "h",
		SelectedSkill: "general-default", Agent: "build",
	})
	require.NoError(t, err)

	require.NoError(t, r.SetSessionID(ctx, "job-1", "sess-1"))
	job, err := r.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", job.SessionID)

	events, err := r.ListEvents(ctx, "job-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "opencode.session.created", events[1].EventType)
}
