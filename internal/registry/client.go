// Package registry reads storage locations from a remote location master.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/internal/config"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

// Client is a resty-backed inventory.LocationRegistry
// リモートのロケーション台帳クライアント
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

var _ inventory.LocationRegistry = (*Client)(nil)

// envelope mirrors the {success, data, error} response shape
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
}

// NewClient builds a registry client from configuration
// 設定からクライアントを生成
func NewClient(cfg config.RegistryConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	restyClient := resty.New()
	restyClient.
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	if cfg.Token != "" {
		restyClient.SetAuthToken(cfg.Token)
	}

	return &Client{httpClient: restyClient, logger: logger}
}

// ListLocations returns every active location
// 全アクティブロケーションを取得
func (c *Client) ListLocations(ctx context.Context) ([]inventory.Location, error) {
	result := new(envelope[[]inventory.Location])
	if err := c.get(ctx, "/locations", result); err != nil {
		return nil, err
	}

	active := make([]inventory.Location, 0, len(result.Data))
	for _, loc := range result.Data {
		if loc.IsActive {
			active = append(active, loc)
		}
	}
	return active, nil
}

// GetLocation returns an active location or ErrLocationNotFound
// ロケーションを取得（一覧から検索する）
func (c *Client) GetLocation(ctx context.Context, locationID string) (*inventory.Location, error) {
	locations, err := c.ListLocations(ctx)
	if err != nil {
		return nil, err
	}
	for i := range locations {
		if locations[i].ID == locationID {
			return &locations[i], nil
		}
	}
	return nil, inventory.ErrLocationNotFound
}

// LocationsHolding returns the IDs of locations holding the material
// 品目を保管しているロケーションIDを取得
func (c *Client) LocationsHolding(ctx context.Context, materialID string) ([]string, error) {
	result := new(envelope[[]string])
	path := fmt.Sprintf("/materials/%s/locations", url.PathEscape(materialID))
	if err := c.get(ctx, path, result); err != nil {
		return nil, err
	}
	if result.Data == nil {
		return []string{}, nil
	}
	return result.Data, nil
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(result).
		Get(path)
	if err != nil {
		return inventory.NewStorageError("registry_get", "ロケーション台帳への接続に失敗しました", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return inventory.ErrLocationNotFound
	case resp.IsError():
		c.logger.Warn("ロケーション台帳がエラーを返しました",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()),
		)
		return inventory.NewStorageError("registry_get",
			fmt.Sprintf("ロケーション台帳がエラーを返しました (status %d)", resp.StatusCode()), nil)
	}
	return nil
}
