package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

func TestCollector_Events(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()

	require.NoError(t, c.PublishStepChanged(ctx, inventory.StepChangedEvent{From: "DRAFT", To: "COUNTING"}))
	require.NoError(t, c.PublishConflict(ctx, inventory.ConflictEvent{Operation: "save_results"}))
	require.NoError(t, c.PublishConflict(ctx, inventory.ConflictEvent{Operation: "save_results"}))
	require.NoError(t, c.PublishAllocationRejected(ctx, inventory.AllocationRejectedEvent{Kind: "putaway", Code: inventory.CodeOverAllocation}))
	require.NoError(t, c.PublishDocumentConfirmed(ctx, inventory.DocumentConfirmedEvent{Kind: "receipt", Status: "COMPLETED"}))
	require.NoError(t, c.PublishLedgerPosted(ctx, inventory.LedgerPostedEvent{Reference: "st-1", DeltaCount: 3}))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepTransitions.WithLabelValues("DRAFT", "COUNTING")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.conflicts.WithLabelValues("save_results")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejections.WithLabelValues("putaway", inventory.CodeOverAllocation)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.confirmations.WithLabelValues("receipt", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ledgerPostings))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ledgerDeltas))
}

func TestCollector_OpenStocktakesReset(t *testing.T) {
	c := NewCollector()
	c.SetOpenStocktakes(map[string]int{"DRAFT": 2, "COUNTING": 1})
	c.SetOpenStocktakes(map[string]int{"COUNTING": 4})

	assert.Equal(t, 4.0, testutil.ToFloat64(c.openStocktakes.WithLabelValues("COUNTING")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.openStocktakes))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.ObserveRequest("GET", "200", 0.01)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "warehouse_http_requests_total")
}
