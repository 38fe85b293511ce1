package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
	"github.com/nemonet1337/zaiWarehouse/pkg/stocktake"
)

func TestListLimit(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		wantValid bool
		want      int64
	}{
		{"default page", 0, true, defaultListLimit},
		{"explicit", 20, true, 20},
		{"unbounded", stocktake.NoLimit, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := listLimit(stocktake.Filter{Limit: tt.limit})
			assert.Equal(t, tt.wantValid, got.Valid)
			assert.Equal(t, tt.want, got.Int64)
		})
	}
}

func TestPostgresDocumentStore_DecodeSplits(t *testing.T) {
	store := &PostgresDocumentStore{logger: zap.NewNop()}

	splits, err := store.decodeSplits("ri-1", []byte(`[{"location":"A-01","quantity":"3","serial_or_batch":""}]`))
	require.NoError(t, err)
	require.Len(t, splits, 1)
	assert.Equal(t, "A-01", splits[0].Location)

	splits, err = store.decodeSplits("ri-1", nil)
	require.NoError(t, err)
	assert.Nil(t, splits)

	_, err = store.decodeSplits("ri-1", []byte(`{not json`))
	require.Error(t, err)
	var storageErr *inventory.StorageError
	assert.ErrorAs(t, err, &storageErr)
	assert.Equal(t, inventory.CodeInternal, inventory.ErrorCode(err))
}
