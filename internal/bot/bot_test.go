package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pricesync/internal/models"
	"pricesync/internal/service"
	"pricesync/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const operatorChat int64 = 4242

type fakeTelegram struct {
	updates chan tgbotapi.Update
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	stopped bool
}

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeTelegram) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeTelegram) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeTelegram) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

type MockOperator struct {
	mock.Mock
}

func (m *MockOperator) Stats(ctx context.Context) (*service.Stats, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.(*service.Stats), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockOperator) Issues(ctx context.Context, limit int) (*service.Issues, error) {
	args := m.Called(ctx, limit)
	if v := args.Get(0); v != nil {
		return v.(*service.Issues), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockOperator) GetJob(ctx context.Context, id int64) (*models.SyncJob, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*models.SyncJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockOperator) EnqueueEntity(ctx context.Context, req service.EnqueueEntityRequest) ([]*models.SyncJob, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.([]*models.SyncJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockOperator) RetryFailed(ctx context.Context, pattern string) (*service.CountResult, error) {
	args := m.Called(ctx, pattern)
	if v := args.Get(0); v != nil {
		return v.(*service.CountResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockOperator) Pause() error {
	return m.Called().Error(0)
}

func (m *MockOperator) Resume(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func command(chatID int64, text string) tgbotapi.Update {
	cmdLen := len(text)
	for i, r := range text {
		if r == ' ' {
			cmdLen = i
			break
		}
	}
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{ID: 1},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}}
}

func newTestBot(t *testing.T) (*Bot, *fakeTelegram, *MockOperator, *Metrics) {
	t.Helper()
	tg := newFakeTelegram()
	ops := new(MockOperator)
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewBot(tg, ops, []int64{operatorChat}, metrics, nil), tg, ops, metrics
}

func TestUnknownChatIgnored(t *testing.T) {
	b, tg, ops, _ := newTestBot(t)

	b.processUpdate(context.Background(), command(1, "/stats"))
	b.processUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: operatorChat}, Text: "hello"}})

	assert.Empty(t, tg.replies())
	ops.AssertNotCalled(t, "Stats", mock.Anything)
}

func TestStatsCommand(t *testing.T) {
	b, tg, ops, metrics := newTestBot(t)
	ops.On("Stats", mock.Anything).Return(&service.Stats{
		Counts:    models.QueueCounts{models.JobPending: 3, models.JobFailed: 1},
		Total:     4,
		Processor: &worker.State{Workers: 4, Running: true, Active: 2},
	}, nil)

	b.processUpdate(context.Background(), command(operatorChat, "/stats"))

	replies := tg.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "pending: 3")
	assert.Contains(t, replies[0], "failed: 1")
	assert.Contains(t, replies[0], "total: 4")
	assert.Contains(t, replies[0], "running, 2/4 workers busy")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CommandsProcessed.WithLabelValues("stats")))
}

func TestJobAndSyncCommands(t *testing.T) {
	b, tg, ops, _ := newTestBot(t)
	msg := "remote rejected: price below cost"
	ops.On("GetJob", mock.Anything, int64(7)).Return(&models.SyncJob{
		ID: 7, EntityID: "A", Status: models.JobFailed, ErrorKind: models.ErrorKindRemoteRejected, ErrorMessage: &msg,
	}, nil)
	ops.On("GetJob", mock.Anything, int64(8)).Return(nil, service.ErrNotFound)
	ops.On("EnqueueEntity", mock.Anything, service.EnqueueEntityRequest{EntityID: "A"}).
		Return([]*models.SyncJob{{ID: 9, EntityID: "A"}}, nil)

	ctx := context.Background()
	b.processUpdate(ctx, command(operatorChat, "/job 7"))
	b.processUpdate(ctx, command(operatorChat, "/job 8"))
	b.processUpdate(ctx, command(operatorChat, "/job x"))
	b.processUpdate(ctx, command(operatorChat, "/sync A"))
	b.processUpdate(ctx, command(operatorChat, "/sync"))

	replies := tg.replies()
	require.Len(t, replies, 5)
	assert.Contains(t, replies[0], "error kind: remote_rejected")
	assert.Contains(t, replies[0], msg)
	assert.Contains(t, replies[1], "Not found")
	assert.Equal(t, "Usage: /job <id>", replies[2])
	assert.Contains(t, replies[3], "job #9 enqueued for A")
	assert.Equal(t, "Usage: /sync <entity>", replies[4])
	ops.AssertExpectations(t)
}

func TestControlCommands(t *testing.T) {
	b, tg, ops, metrics := newTestBot(t)
	ops.On("Pause").Return(service.ErrUnavailable)
	ops.On("Resume", mock.Anything).Return(nil)
	ops.On("RetryFailed", mock.Anything, "timeout").Return(&service.CountResult{Affected: 2}, nil)
	ops.On("Issues", mock.Anything, issuesShown).Return(nil, errors.New("disk I/O error"))

	ctx := context.Background()
	b.processUpdate(ctx, command(operatorChat, "/pause"))
	b.processUpdate(ctx, command(operatorChat, "/resume"))
	b.processUpdate(ctx, command(operatorChat, "/retry timeout"))
	b.processUpdate(ctx, command(operatorChat, "/issues"))
	b.processUpdate(ctx, command(operatorChat, "/bogus"))

	replies := tg.replies()
	require.Len(t, replies, 5)
	assert.Contains(t, replies[0], "does not run in this process")
	assert.Contains(t, replies[1], "resumed")
	assert.Contains(t, replies[2], "2 failed job(s) reset")
	assert.Equal(t, "❌ Command failed, see service logs", replies[3])
	assert.NotContains(t, replies[3], "disk")
	assert.Contains(t, replies[4], "/help")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ErrorsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CommandsProcessed.WithLabelValues("unknown")))
}

func TestIssuesFormatting(t *testing.T) {
	b, tg, ops, _ := newTestBot(t)
	ops.On("Issues", mock.Anything, issuesShown).Return(&service.Issues{
		FailedJobs:    []*models.SyncJob{{ID: 3, EntityID: "B", ErrorKind: models.ErrorKindUnmapped}},
		UnlinkedItems: []*models.Item{{ID: "B", FamilyID: "FAM"}},
	}, nil).Once()
	ops.On("Issues", mock.Anything, issuesShown).Return(&service.Issues{}, nil).Once()

	b.processUpdate(context.Background(), command(operatorChat, "/issues"))
	b.processUpdate(context.Background(), command(operatorChat, "/issues"))

	replies := tg.replies()
	require.Len(t, replies, 2)
	assert.Contains(t, replies[0], "#3 B [unmapped]")
	assert.Contains(t, replies[0], "B (family FAM)")
	assert.Equal(t, "✅ Nothing needs attention", replies[1])
}

func TestStartStopsOnCancel(t *testing.T) {
	b, tg, ops, _ := newTestBot(t)
	ops.On("Resume", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()

	tg.updates <- command(operatorChat, "/resume")
	require.Eventually(t, func() bool { return len(tg.replies()) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bot did not stop")
	}

	b.Stop()
	assert.True(t, tg.stopped)
}

func TestPanicRecovered(t *testing.T) {
	b, tg, ops, metrics := newTestBot(t)
	ops.On("Stats", mock.Anything).Return(&service.Stats{}, nil).Run(func(mock.Arguments) { panic("boom") })

	assert.NotPanics(t, func() {
		b.processUpdate(context.Background(), command(operatorChat, "/stats"))
	})
	assert.Empty(t, tg.replies())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ErrorsTotal))
}
