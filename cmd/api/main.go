package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedgerGo/internal/config"
	"github.com/nemonet1337/zaiLedgerGo/pkg/ledger"
	"github.com/nemonet1337/zaiLedgerGo/pkg/ledger/storage"
)

func main() {
	configPath := flag.String("config", "", "設定ファイル(YAML)のパス。未指定なら環境変数のみ")
	flag.Parse()

	// .envファイルがあれば読み込む（なくてもエラーにしない）
	_ = godotenv.Load()

	// ログ設定
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	// 設定読み込み
	var cfg *config.Config
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.Fatal("設定読み込みに失敗しました", zap.Error(err))
	}

	// データベース接続
	store, err := storage.NewPostgreSQLStorage(cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// 台帳サービス初期化
	ledgerConfig := &ledger.Config{
		DefaultReservationTTL: cfg.Ledger.DefaultReservationTTL,
		SweepInterval:         cfg.Ledger.SweepInterval,
	}
	service := ledger.NewService(store, nil, logger, ledgerConfig)

	// 予約失効スイーパー起動
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	sweeper := ledger.NewSweeper(service, logger)
	go sweeper.Run(sweepCtx)

	// HTTPハンドラー設定
	handlers := NewHandlers(service, store, logger, cfg)
	router := setupRouter(handlers, cfg)

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
		logger.Info("在庫台帳APIサーバーを開始します", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	cancelSweep()

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, cfg *config.Config) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if cfg.API.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// 移動台帳
	api.HandleFunc("/movements", handlers.RecordMovement).Methods("POST")
	api.HandleFunc("/products/{productId}/movements", handlers.GetMovements).Methods("GET")

	// 引当・予約
	api.HandleFunc("/allocations", handlers.Allocate).Methods("POST")
	api.HandleFunc("/reservations", handlers.Reserve).Methods("POST")
	api.HandleFunc("/reservations/{reservationId}/release", handlers.ReleaseReservation).Methods("POST")

	// ロケーション間移動
	api.HandleFunc("/transfers", handlers.Transfer).Methods("POST")

	// 在庫照会
	api.HandleFunc("/products/{productId}/stock", handlers.GetStock).Methods("GET")
	api.HandleFunc("/products/{productId}/stock/total", handlers.GetTotalStock).Methods("GET")
	api.HandleFunc("/batches/expiring", handlers.GetExpiringBatches).Methods("GET")

	// 荷姿換算
	api.HandleFunc("/products/{productId}/pack-conversion", handlers.ConvertPack).Methods("GET")

	// マスタ登録（カタログコラボレータからのスナップショット）
	api.HandleFunc("/products", handlers.UpsertProduct).Methods("PUT")
	api.HandleFunc("/locations", handlers.UpsertLocation).Methods("PUT")

	// アラート
	api.HandleFunc("/alerts", handlers.GetAlerts).Methods("GET")
	api.HandleFunc("/alerts/{alertId}/resolve", handlers.ResolveAlert).Methods("POST")

	// 派生状態の再構築
	api.HandleFunc("/admin/rebuild", handlers.RebuildState).Methods("POST")

	// CORS設定（開発用）
	if cfg.API.EnableCORS {
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

				if r.Method == "OPTIONS" {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// リクエスト処理
			next.ServeHTTP(w, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
