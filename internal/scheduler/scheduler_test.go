package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiWarehouse/internal/config"
	"github.com/nemonet1337/zaiWarehouse/pkg/stocktake"
)

type MockLister struct {
	mock.Mock
}

func (m *MockLister) List(ctx context.Context, filter stocktake.Filter) ([]stocktake.Summary, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]stocktake.Summary), args.Error(1)
}

type recordingSink struct {
	byStep map[string]int
	stale  int
}

func (r *recordingSink) SetOpenStocktakes(byStep map[string]int) { r.byStep = byStep }
func (r *recordingSink) SetStaleStocktakes(n int)                { r.stale = n }

func TestScheduler_RunOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	lister := new(MockLister)
	lister.On("List", mock.Anything, stocktake.Filter{Step: stocktake.StepDraft, Limit: stocktake.NoLimit}).Return([]stocktake.Summary{
		{ID: "a", CurrentStep: stocktake.StepDraft},
	}, nil)
	lister.On("List", mock.Anything, stocktake.Filter{Step: stocktake.StepCounting, Limit: stocktake.NoLimit}).Return([]stocktake.Summary{
		{ID: "b", CurrentStep: stocktake.StepCounting, StartedAt: &old},
		{ID: "c", CurrentStep: stocktake.StepCounting, StartedAt: &recent},
	}, nil)
	lister.On("List", mock.Anything, stocktake.Filter{Step: stocktake.StepReconciling, Limit: stocktake.NoLimit}).Return([]stocktake.Summary{}, nil)

	sink := &recordingSink{}
	s := NewScheduler(config.StocktakeConfig{StaleAfter: 24 * time.Hour}, lister, sink, nil)
	s.now = func() time.Time { return now }

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, map[string]int{"DRAFT": 1, "COUNTING": 2, "RECONCILING": 0}, sink.byStep)
	assert.Equal(t, 1, sink.stale)
	lister.AssertNumberOfCalls(t, "List", 3)
	lister.AssertNotCalled(t, "List", mock.Anything, stocktake.Filter{})
	lister.AssertExpectations(t)
}

// 一覧の既定件数を超える古い実地棚卸も集計対象になることのテスト
func TestScheduler_RunOnce_OldCountingBeyondPage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-30 * 24 * time.Hour)

	counting := make([]stocktake.Summary, 0, 150)
	for i := 0; i < 149; i++ {
		started := now.Add(-time.Minute)
		counting = append(counting, stocktake.Summary{ID: "new", CurrentStep: stocktake.StepCounting, StartedAt: &started})
	}
	counting = append(counting, stocktake.Summary{ID: "stuck", CurrentStep: stocktake.StepCounting, StartedAt: &old})

	lister := new(MockLister)
	lister.On("List", mock.Anything, stocktake.Filter{Step: stocktake.StepCounting, Limit: stocktake.NoLimit}).Return(counting, nil)
	lister.On("List", mock.Anything, mock.MatchedBy(func(f stocktake.Filter) bool {
		return f.Step != stocktake.StepCounting && f.Limit == stocktake.NoLimit
	})).Return([]stocktake.Summary{}, nil)

	sink := &recordingSink{}
	s := NewScheduler(config.StocktakeConfig{StaleAfter: 24 * time.Hour}, lister, sink, nil)
	s.now = func() time.Time { return now }

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 150, sink.byStep["COUNTING"])
	assert.Equal(t, 1, sink.stale)
}

func TestScheduler_RunOnce_ListError(t *testing.T) {
	lister := new(MockLister)
	lister.On("List", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	sink := &recordingSink{}
	s := NewScheduler(config.StocktakeConfig{}, lister, sink, nil)

	assert.Error(t, s.RunOnce(context.Background()))
	assert.Nil(t, sink.byStep)
}

func TestScheduler_StartInvalidCron(t *testing.T) {
	s := NewScheduler(config.StocktakeConfig{ProgressCron: "not a cron"}, new(MockLister), nil, nil)
	assert.Error(t, s.Start())
}
