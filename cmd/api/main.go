package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/internal/config"
	"github.com/nemonet1337/zaiWarehouse/internal/logging"
	"github.com/nemonet1337/zaiWarehouse/internal/metrics"
	"github.com/nemonet1337/zaiWarehouse/internal/registry"
	"github.com/nemonet1337/zaiWarehouse/internal/scheduler"
	"github.com/nemonet1337/zaiWarehouse/pkg/allocation"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory/storage"
	"github.com/nemonet1337/zaiWarehouse/pkg/stocktake"
	"github.com/nemonet1337/zaiWarehouse/pkg/workflow"
)

// backend groups the storage implementations selected by configuration
type backend struct {
	ledger     inventory.LedgerStorage
	registry   inventory.LocationRegistry
	stocktakes stocktake.Repository
	documents  workflow.DocumentStore
	pinger     Pinger
	close      func() error
}

func main() {
	configPath := flag.String("config", "", "設定ファイル（YAML）のパス")
	flag.Parse()

	// 設定読み込み
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	// ストレージ初期化
	be, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal("ストレージ初期化に失敗しました", zap.Error(err))
	}
	defer be.close()

	if cfg.Registry.Mode == "remote" {
		be.registry = registry.NewClient(cfg.Registry, logging.Named(logger, "registry"))
	}

	collector := metrics.NewCollector()

	// 在庫台帳・各サービス初期化
	ledger := inventory.NewLedger(be.ledger, collector, logging.Named(logger, "ledger"), &inventory.Config{
		AllowNegativeStock: cfg.Ledger.AllowNegativeStock,
		AuditEnabled:       cfg.Ledger.AuditEnabled,
	})

	threshold, err := cfg.Allocation.SplitThreshold()
	if err != nil {
		logger.Fatal("分割可能数量の解析に失敗しました", zap.Error(err))
	}
	opts := workflow.Options{
		SplitPolicy:       allocation.MinQuantityPolicy(threshold),
		SerialPolicy:      inventory.NewSerialPolicy(cfg.Allocation.SerialPrefixes),
		ValidateLocations: cfg.Allocation.ValidateLocations,
	}

	stocktakes := stocktake.NewService(be.stocktakes, ledger, collector, logging.Named(logger, "stocktake"))
	putaway := workflow.NewPutAwayService(be.documents, be.registry, collector, logging.Named(logger, "putaway"), opts)
	picking := workflow.NewPickingService(be.documents, be.registry, collector, logging.Named(logger, "picking"), opts)

	// 棚卸進捗スケジューラー
	sched := scheduler.NewScheduler(cfg.Stocktake, stocktakes, collector, logging.Named(logger, "scheduler"))
	if err := sched.Start(); err != nil {
		logger.Fatal("スケジューラー開始に失敗しました", zap.Error(err))
	}
	defer sched.Stop()

	// HTTPハンドラー設定
	handlers := NewHandlers(stocktakes, putaway, picking, ledger, be.pinger, logger)
	router := setupRouter(handlers, collector, cfg.API)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("倉庫APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("registry", cfg.Registry.Mode),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// openBackend opens the configured storage driver
// 設定されたストレージドライバーを開く
func openBackend(cfg *config.Config, logger *zap.Logger) (*backend, error) {
	switch cfg.Storage.Driver {
	case "memory":
		mem := storage.NewMemoryStorage()
		logger.Warn("インメモリストレージを使用します（再起動でデータは失われます）")
		return &backend{
			ledger:     mem,
			registry:   mem,
			stocktakes: mem.Stocktakes(),
			documents:  mem.Documents(),
			close:      func() error { return nil },
		}, nil
	default:
		pg, err := storage.NewPostgreSQLStorage(cfg.DSN(), storage.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logging.Named(logger, "storage"))
		if err != nil {
			return nil, err
		}
		return &backend{
			ledger:     pg,
			registry:   pg,
			stocktakes: pg.Stocktakes(),
			documents:  pg.Documents(),
			pinger:     pg,
			close:      pg.Close,
		}, nil
	}
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, collector *metrics.Collector, apiCfg config.APIConfig) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if apiCfg.EnableMetrics && collector != nil {
		router.Handle("/metrics", collector.Handler()).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(userMiddleware)

	// 棚卸
	api.HandleFunc("/stocktakes", handlers.CreateStocktake).Methods("POST")
	api.HandleFunc("/stocktakes", handlers.ListStocktakes).Methods("GET")
	api.HandleFunc("/stocktakes/{id}", handlers.GetStocktake).Methods("GET")
	api.HandleFunc("/stocktakes/{id}/start", handlers.StartCounting).Methods("POST")
	api.HandleFunc("/stocktakes/{id}/reconcile", handlers.Reconcile).Methods("POST")
	api.HandleFunc("/stocktakes/{id}/complete", handlers.Complete).Methods("POST")

	// 担当割当
	api.HandleFunc("/stocktakes/{id}/assignments", handlers.AddAssignment).Methods("POST")
	api.HandleFunc("/stocktakes/{id}/assignments/{assignmentId}", handlers.RemoveAssignment).Methods("DELETE")
	api.HandleFunc("/stocktakes/{id}/assignments/{assignmentId}", handlers.MarkAssignmentComplete).Methods("PUT")

	// 棚卸結果
	api.HandleFunc("/stocktakes/{id}/results", handlers.GetResults).Methods("GET")
	api.HandleFunc("/stocktakes/{id}/results", handlers.SaveResults).Methods("POST")
	api.HandleFunc("/stocktakes/{id}/adjustments", handlers.GetAdjustments).Methods("GET")
	api.HandleFunc("/stocktakes/{id}/postings", handlers.GetPostings).Methods("GET")

	// 格納
	api.HandleFunc("/receipts/{id}/putaway", handlers.GetPutAway).Methods("GET")
	api.HandleFunc("/receipts/{id}/putaway", handlers.SavePutAway).Methods("PUT")
	api.HandleFunc("/receipts/{id}/putaway/confirm", handlers.ConfirmPutAway).Methods("POST")

	// ピッキング
	api.HandleFunc("/vouchers/{id}/picking", handlers.GetPicking).Methods("GET")
	api.HandleFunc("/vouchers/{id}/picking", handlers.SavePicking).Methods("PUT")
	api.HandleFunc("/vouchers/{id}/picking/confirm", handlers.ConfirmPicking).Methods("POST")

	// ロケーション候補
	api.HandleFunc("/materials/{materialId}/locations", handlers.SuggestLocations).Methods("GET")

	// CORS設定
	if apiCfg.EnableCORS {
		router.Use(corsMiddleware)
	}

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger, collector))

	return router
}

// corsMiddleware sets permissive CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// userMiddleware puts the X-User-ID header into the request context
// X-User-IDヘッダーをリクエストコンテキストに設定
func userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := r.Header.Get("X-User-ID"); userID != "" {
			r = r.WithContext(inventory.WithUser(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger, collector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// リクエスト処理
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			if collector != nil {
				collector.ObserveRequest(r.Method, strconv.Itoa(rec.status), elapsed.Seconds())
			}

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", elapsed),
			)
		})
	}
}
