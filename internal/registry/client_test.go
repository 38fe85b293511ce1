package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiWarehouse/internal/config"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/locations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":[{"id":"A-01","name":"A棚","is_active":true},{"id":"X-99","is_active":false}]}`))
	})
	router.HandleFunc("/locations/{id}", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("未定義のエンドポイントが呼ばれました: %s", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	})
	router.HandleFunc("/materials/{id}/locations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if mux.Vars(r)["id"] == "broken" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":["A-01","B-02"]}`))
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	client := NewClient(config.RegistryConfig{BaseURL: srv.URL + "/", Token: "secret", Timeout: time.Second}, nil)

	locations, err := client.ListLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, "A-01", locations[0].ID)

	loc, err := client.GetLocation(ctx, "A-01")
	require.NoError(t, err)
	assert.Equal(t, "A棚", loc.Name)

	_, err = client.GetLocation(ctx, "ZZ-9")
	assert.ErrorIs(t, err, inventory.ErrLocationNotFound)

	// 非アクティブなロケーションは見つからない扱い
	_, err = client.GetLocation(ctx, "X-99")
	assert.ErrorIs(t, err, inventory.ErrLocationNotFound)

	ids, err := client.LocationsHolding(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A-01", "B-02"}, ids)

	_, err = client.LocationsHolding(ctx, "broken")
	var storageErr *inventory.StorageError
	assert.ErrorAs(t, err, &storageErr)
}
