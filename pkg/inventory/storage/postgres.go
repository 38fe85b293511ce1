package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

const uniqueViolation = "23505"

// PostgreSQLStorage implements the ledger and location registry using PostgreSQL
// PostgreSQLを使用した在庫台帳・ロケーション台帳の実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// PoolConfig holds connection pool settings
// 接続プール設定
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, pool PoolConfig, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 10
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if logger == nil {
		logger = zap.NewNop()
	}

	return &PostgreSQLStorage{
		db:     db,
		logger: logger,
	}, nil
}

// Stocktakes returns the stock-take repository sharing this connection pool
func (s *PostgreSQLStorage) Stocktakes() *PostgresStocktakeRepository {
	return &PostgresStocktakeRepository{db: s.db, logger: s.logger}
}

// Documents returns the receipt/voucher store sharing this connection pool
func (s *PostgreSQLStorage) Documents() *PostgresDocumentStore {
	return &PostgresDocumentStore{db: s.db, logger: s.logger}
}

// GetStock retrieves the book stock of a material at a location
// 指定ロケーションの品目在庫を取得
func (s *PostgreSQLStorage) GetStock(ctx context.Context, materialID, locationID string) (*inventory.Stock, error) {
	query := `
		SELECT material_id, location_id, unit_id, quantity, version, updated_at, updated_by
		FROM stocks
		WHERE material_id = $1 AND location_id = $2`

	stock := &inventory.Stock{}
	err := s.db.QueryRowContext(ctx, query, materialID, locationID).Scan(
		&stock.MaterialID,
		&stock.LocationID,
		&stock.UnitID,
		&stock.Quantity,
		&stock.Version,
		&stock.UpdatedAt,
		&stock.UpdatedBy,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrStockNotFound
		}
		return nil, fmt.Errorf("在庫取得に失敗しました: %w", err)
	}

	return stock, nil
}

// ListStockByLocations retrieves all stock held in the given locations
// 指定ロケーション群のすべての在庫を取得
func (s *PostgreSQLStorage) ListStockByLocations(ctx context.Context, locationIDs []string) ([]inventory.Stock, error) {
	query := `
		SELECT material_id, location_id, unit_id, quantity, version, updated_at, updated_by
		FROM stocks
		WHERE location_id = ANY($1)
		ORDER BY location_id, material_id`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(locationIDs))
	if err != nil {
		return nil, fmt.Errorf("ロケーション在庫取得に失敗しました: %w", err)
	}
	defer rows.Close()

	stocks := make([]inventory.Stock, 0)
	for rows.Next() {
		var stock inventory.Stock
		err := rows.Scan(
			&stock.MaterialID,
			&stock.LocationID,
			&stock.UnitID,
			&stock.Quantity,
			&stock.Version,
			&stock.UpdatedAt,
			&stock.UpdatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("在庫スキャンに失敗しました: %w", err)
		}
		stocks = append(stocks, stock)
	}

	return stocks, rows.Err()
}

// ApplyPosting applies every delta of the posting in one transaction. The
// reference is unique in ledger_postings, so a repeated posting is rejected
// with ErrAlreadyPosted before any stock row is touched.
// 計上を1トランザクションで適用（参照番号は一意）
func (s *PostgreSQLStorage) ApplyPosting(ctx context.Context, posting *inventory.Posting, allowNegative bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_postings (id, reference, posted_at, posted_by)
		VALUES ($1, $2, $3, $4)`,
		posting.ID, posting.Reference, posting.PostedAt, posting.PostedBy,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return inventory.ErrAlreadyPosted
		}
		return fmt.Errorf("計上記録作成に失敗しました: %w", err)
	}

	for _, d := range posting.Deltas {
		var quantity = d.Quantity
		err := tx.QueryRowContext(ctx, `
			INSERT INTO stocks (material_id, location_id, unit_id, quantity, version, updated_at, updated_by)
			VALUES ($1, $2, $3, $4, 1, $5, $6)
			ON CONFLICT (material_id, location_id) DO UPDATE
			SET quantity = stocks.quantity + EXCLUDED.quantity,
			    version = stocks.version + 1,
			    updated_at = EXCLUDED.updated_at,
			    updated_by = EXCLUDED.updated_by
			RETURNING quantity`,
			d.MaterialID, d.LocationID, d.UnitID, d.Quantity, posting.PostedAt, posting.PostedBy,
		).Scan(&quantity)
		if err != nil {
			return fmt.Errorf("在庫更新に失敗しました: %w", err)
		}
		if !allowNegative && quantity.IsNegative() {
			return inventory.NewBusinessRuleError("negative_stock", "在庫がマイナスになります",
				fmt.Sprintf("%s@%s: %s", d.MaterialID, d.LocationID, quantity.String()))
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions (id, type, material_id, location_id, quantity, reference, created_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			inventory.NewID(), inventory.TransactionTypeAdjust, d.MaterialID, d.LocationID,
			d.Quantity, posting.Reference, posting.PostedAt, posting.PostedBy,
		)
		if err != nil {
			return fmt.Errorf("トランザクション記録作成に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗しました: %w", err)
	}
	return nil
}

// GetTransactionsByReference retrieves the ledger movements recorded under a reference
// 参照番号のトランザクション履歴を取得
func (s *PostgreSQLStorage) GetTransactionsByReference(ctx context.Context, reference string) ([]inventory.Transaction, error) {
	query := `
		SELECT id, type, material_id, location_id, quantity, reference, created_at, created_by
		FROM transactions
		WHERE reference = $1
		ORDER BY created_at, location_id, material_id`

	rows, err := s.db.QueryContext(ctx, query, reference)
	if err != nil {
		return nil, fmt.Errorf("トランザクション履歴取得に失敗しました: %w", err)
	}
	defer rows.Close()

	transactions := make([]inventory.Transaction, 0)
	for rows.Next() {
		var tx inventory.Transaction
		err := rows.Scan(
			&tx.ID,
			&tx.Type,
			&tx.MaterialID,
			&tx.LocationID,
			&tx.Quantity,
			&tx.Reference,
			&tx.CreatedAt,
			&tx.CreatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("トランザクションスキャンに失敗しました: %w", err)
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// GetLocation retrieves an active location by ID
// IDでロケーションを取得
func (s *PostgreSQLStorage) GetLocation(ctx context.Context, locationID string) (*inventory.Location, error) {
	query := `
		SELECT id, name, warehouse_id, type, is_active, created_at, updated_at
		FROM locations
		WHERE id = $1 AND is_active`

	location := &inventory.Location{}
	err := s.db.QueryRowContext(ctx, query, locationID).Scan(
		&location.ID,
		&location.Name,
		&location.WarehouseID,
		&location.Type,
		&location.IsActive,
		&location.CreatedAt,
		&location.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrLocationNotFound
		}
		return nil, fmt.Errorf("ロケーション取得に失敗しました: %w", err)
	}

	return location, nil
}

// ListLocations retrieves every active location
// 有効なロケーション一覧を取得
func (s *PostgreSQLStorage) ListLocations(ctx context.Context) ([]inventory.Location, error) {
	query := `
		SELECT id, name, warehouse_id, type, is_active, created_at, updated_at
		FROM locations
		WHERE is_active
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ロケーション一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	locations := make([]inventory.Location, 0)
	for rows.Next() {
		var location inventory.Location
		err := rows.Scan(
			&location.ID,
			&location.Name,
			&location.WarehouseID,
			&location.Type,
			&location.IsActive,
			&location.CreatedAt,
			&location.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ロケーションスキャンに失敗しました: %w", err)
		}
		locations = append(locations, location)
	}

	return locations, rows.Err()
}

// LocationsHolding lists the active locations with positive stock of the material
// 品目の在庫がある有効ロケーションを取得
func (s *PostgreSQLStorage) LocationsHolding(ctx context.Context, materialID string) ([]string, error) {
	query := `
		SELECT DISTINCT s.location_id
		FROM stocks s
		JOIN locations l ON l.id = s.location_id
		WHERE s.material_id = $1 AND s.quantity > 0 AND l.is_active
		ORDER BY s.location_id`

	rows, err := s.db.QueryContext(ctx, query, materialID)
	if err != nil {
		return nil, fmt.Errorf("保管ロケーション取得に失敗しました: %w", err)
	}
	defer rows.Close()

	locations := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ロケーションスキャンに失敗しました: %w", err)
		}
		locations = append(locations, id)
	}

	return locations, rows.Err()
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}
