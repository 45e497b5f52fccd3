package service

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pricesync/internal/database"
	"pricesync/internal/metrics"
	"pricesync/internal/models"
	"pricesync/internal/queue"
	"pricesync/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Pause() { m.Called() }

func (m *MockProcessor) Resume(ctx context.Context) { m.Called(ctx) }

func (m *MockProcessor) State() worker.State {
	return m.Called().Get(0).(worker.State)
}

func newTestService(t *testing.T, processor ProcessorControl) (*QueueService, *database.DB) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "service.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, db.UpsertItem(ctx, &models.Item{ID: id, FamilyID: "FAM", Fields: models.FieldSet{models.FieldBasePrice: models.Number(10)}}))
	}
	require.NoError(t, db.UpsertItem(ctx, &models.Item{ID: "SOLO"}))

	q := queue.New(queue.Options{Store: db, Policy: queue.RetryPolicy{MaxRetries: 0}})
	return NewQueueService(q, db, processor, metrics.NewStats(), &logger), db
}

func TestEnqueueEntity(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	jobs, err := s.EnqueueEntity(ctx, EnqueueEntityRequest{EntityID: "B"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "B", jobs[0].EntityID)
	assert.Equal(t, "FAM", jobs[0].FamilyID)
	assert.Equal(t, models.PriorityHigh, jobs[0].Priority)
	assert.Equal(t, models.OriginManual, jobs[0].Origin)
	assert.Equal(t, models.EventManualSync, jobs[0].EventType)

	jobs, err = s.EnqueueEntity(ctx, EnqueueEntityRequest{EntityID: "SOLO", Priority: "low"})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityLow, jobs[0].Priority)

	_, err = s.EnqueueEntity(ctx, EnqueueEntityRequest{EntityID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.EnqueueEntity(ctx, EnqueueEntityRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.EnqueueEntity(ctx, EnqueueEntityRequest{EntityID: "A", Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Counts[models.JobPending])
	assert.Equal(t, int64(2), stats.Process.JobsEnqueued)
	assert.Nil(t, stats.Processor)
}

func TestEnqueueFamily(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	jobs, err := s.EnqueueFamily(ctx, EnqueueFamilyRequest{FamilyID: "FAM", Priority: "normal"})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, models.PriorityNormal, j.Priority)
	}

	_, err = s.EnqueueFamily(ctx, EnqueueFamilyRequest{FamilyID: "NOPE"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListGetCancel(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	jobs, err := s.EnqueueFamily(ctx, EnqueueFamilyRequest{FamilyID: "FAM"})
	require.NoError(t, err)

	listed, err := s.ListJobs(ctx, ListJobsRequest{Status: "pending", EntityID: "C"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "C", listed[0].EntityID)

	_, err = s.ListJobs(ctx, ListJobsRequest{Status: "weird"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	cancelled, err := s.CancelJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)

	_, err = s.CancelJob(ctx, jobs[0].ID)
	assert.ErrorIs(t, err, database.ErrJobNotPending)

	_, err = s.GetJob(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJob(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestIssuesAndRetry(t *testing.T) {
	s, db := newTestService(t, nil)
	ctx := context.Background()
	require.NoError(t, db.UpsertEntityLink(ctx, &models.EntityLink{SourceID: "A", RemoteID: "1"}))

	_, err := s.EnqueueFamily(ctx, EnqueueFamilyRequest{FamilyID: "FAM"})
	require.NoError(t, err)

	kinds := []models.ErrorKind{models.ErrorKindUnmapped, models.ErrorKindTransient, models.ErrorKindRemoteRejected}
	for _, kind := range kinds {
		job, err := db.ClaimNextSyncJob(ctx, "w")
		require.NoError(t, err)
		_, err = db.FailSyncJob(ctx, job.ID, "w", models.JobFailure{Message: "failed: " + string(kind), Kind: kind})
		require.NoError(t, err)
	}

	issues, err := s.Issues(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, issues.FailedJobs, 2, "transient failures are not operator issues")
	ids := []string{}
	for _, it := range issues.UnlinkedItems {
		ids = append(ids, it.ID)
	}
	assert.ElementsMatch(t, []string{"B", "C", "SOLO"}, ids)

	res, err := s.RetryFailed(ctx, "transient")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)

	res, err = s.RetryFailed(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)
}

func TestSetLinkAndSkip(t *testing.T) {
	s, db := newTestService(t, nil)
	ctx := context.Background()

	link, err := s.SetLink(ctx, LinkRequest{SourceID: "B", RemoteID: "2002"})
	require.NoError(t, err)
	assert.Equal(t, "2002", link.RemoteID)

	_, err = s.SetLink(ctx, LinkRequest{SourceID: "ghost", RemoteID: "1"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.SetLink(ctx, LinkRequest{SourceID: "B"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	require.NoError(t, s.SetSkipSync(ctx, "C", true))
	item, err := db.GetItem(ctx, "C")
	require.NoError(t, err)
	assert.True(t, item.SkipSync)
	assert.ErrorIs(t, s.SetSkipSync(ctx, "ghost", true), ErrNotFound)
	assert.ErrorIs(t, s.SetSkipSync(ctx, " ", true), ErrInvalidRequest)
}

func TestPurgeAndReclaim(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := s.EnqueueEntity(ctx, EnqueueEntityRequest{EntityID: "A"})
	require.NoError(t, err)

	res, err := s.Purge(ctx, PurgeRequest{OlderThan: "1h"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Affected)

	_, err = s.Purge(ctx, PurgeRequest{OlderThan: "1h", Statuses: []string{"processing"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	rec, err := s.Reclaim(ctx, "10m")
	require.NoError(t, err)
	assert.Equal(t, &ReclaimResult{}, rec)
}

func TestProcessorControls(t *testing.T) {
	s, _ := newTestService(t, nil)
	assert.ErrorIs(t, s.Pause(), ErrUnavailable)
	assert.ErrorIs(t, s.Resume(context.Background()), ErrUnavailable)

	p := new(MockProcessor)
	p.On("Pause").Return()
	p.On("Resume", mock.Anything).Return()
	p.On("State").Return(worker.State{Workers: 4, Running: true, Paused: true})

	s, _ = newTestService(t, p)
	require.NoError(t, s.Pause())
	require.NoError(t, s.Resume(context.Background()))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stats.Processor)
	assert.True(t, stats.Processor.Paused)
	p.AssertExpectations(t)
}

func TestExportJobs(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()
	_, err := s.EnqueueFamily(ctx, EnqueueFamilyRequest{FamilyID: "FAM"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.ExportJobs(ctx, &buf, ListJobsRequest{}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Jobs")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestParseAge(t *testing.T) {
	d, err := ParseAge("7d")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	d, err = ParseAge("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	for _, bad := range []string{"", "0s", "-1h", "xd", "soon"} {
		_, err := ParseAge(bad)
		assert.True(t, errors.Is(err, ErrInvalidRequest), bad)
	}
}
