package stocktake

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    Step
		event   Event
		want    Step
		wantErr bool
	}{
		{StepDraft, EventAddAssignment, StepDraft, false},
		{StepDraft, EventRemoveAssignment, StepDraft, false},
		{StepDraft, EventStartCounting, StepCounting, false},
		{StepDraft, EventSaveResults, StepDraft, true},
		{StepDraft, EventReconcile, StepDraft, true},
		{StepCounting, EventSaveResults, StepCounting, false},
		{StepCounting, EventMarkAssignmentComplete, StepCounting, false},
		{StepCounting, EventReconcile, StepReconciling, false},
		{StepCounting, EventAddAssignment, StepCounting, true},
		{StepCounting, EventComplete, StepCounting, true},
		{StepReconciling, EventComplete, StepCompleted, false},
		{StepReconciling, EventSaveResults, StepReconciling, true},
		{StepReconciling, EventMarkAssignmentComplete, StepReconciling, true},
		{StepCompleted, EventComplete, StepCompleted, true},
		{StepCompleted, EventSaveResults, StepCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+string(tt.event), func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.True(t, errors.Is(err, inventory.ErrInvalidTransition))
				return
			}
			assert.NoError(t, err)
		})
	}
}

// TestTransition_StrictlyForward は全遷移でステップが後退しないことのテスト
func TestTransition_StrictlyForward(t *testing.T) {
	for key, to := range transitions {
		assert.GreaterOrEqual(t, int(to), int(key.from), "%s/%s", key.from, key.event)
	}
	assert.Empty(t, Allowed(StepCompleted))
	assert.Equal(t, []Event{EventComplete}, Allowed(StepReconciling))
}

func TestParseStep(t *testing.T) {
	s, ok := ParseStep("counting")
	assert.True(t, ok)
	assert.Equal(t, StepCounting, s)

	s, ok = ParseStep("3")
	assert.True(t, ok)
	assert.Equal(t, StepReconciling, s)

	_, ok = ParseStep("9")
	assert.False(t, ok)
	_, ok = ParseStep("archived")
	assert.False(t, ok)
}

func TestStep_JSON(t *testing.T) {
	raw, err := json.Marshal(Summary{ID: "st-1", CurrentStep: StepReconciling})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"current_step":"RECONCILING"`)

	var decoded Summary
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, StepReconciling, decoded.CurrentStep)

	var s Step
	require.NoError(t, json.Unmarshal([]byte(`2`), &s))
	assert.Equal(t, StepCounting, s)
	assert.Error(t, json.Unmarshal([]byte(`"ARCHIVED"`), &s))
}

func TestResult_Variance(t *testing.T) {
	r := Result{
		ID:             "r-1",
		BookQuantity:   decimal.NewFromInt(10),
		ActualQuantity: decimal.NewFromInt(7),
		Version:        2,
	}
	assert.True(t, r.Variance().Equal(decimal.NewFromInt(-3)))

	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "-3", decoded["variance"])
	assert.Equal(t, float64(2), decoded["version"])
}

func TestStocktake_Adjustments(t *testing.T) {
	st := &Stocktake{
		Results: []Result{
			{ID: "a", BookQuantity: decimal.NewFromInt(5), ActualQuantity: decimal.NewFromInt(5)},
			{ID: "b", BookQuantity: decimal.NewFromInt(5), ActualQuantity: decimal.NewFromInt(8)},
			{ID: "c", BookQuantity: decimal.NewFromInt(4), ActualQuantity: decimal.NewFromInt(2)},
		},
	}

	adjustments := st.Adjustments()
	require.Len(t, adjustments, 2)
	assert.Equal(t, "b", adjustments[0].ID)
	assert.Equal(t, "c", adjustments[1].ID)
	assert.True(t, st.TotalVariance().Equal(decimal.NewFromInt(1)))
	assert.Len(t, st.Results, 3)
}

func TestStocktake_JSONTotalVariance(t *testing.T) {
	st := &Stocktake{
		ID:          "st-1",
		CurrentStep: StepReconciling,
		Version:     4,
		Results: []Result{
			{ID: "a", BookQuantity: decimal.NewFromInt(5), ActualQuantity: decimal.NewFromInt(8)},
			{ID: "b", BookQuantity: decimal.NewFromInt(4), ActualQuantity: decimal.NewFromInt(2)},
		},
	}

	raw, err := json.Marshal(st)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "1", decoded["total_variance"])
	assert.Equal(t, "RECONCILING", decoded["current_step"])
	assert.Equal(t, float64(4), decoded["version"])
	require.Len(t, decoded["results"], 2)
}
