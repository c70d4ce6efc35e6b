package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/stoaworks/stoa/internal/api"
	"github.com/stoaworks/stoa/internal/config"
	"github.com/stoaworks/stoa/internal/db"
	"github.com/stoaworks/stoa/internal/middleware"
	"github.com/stoaworks/stoa/internal/services"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("STOA_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyEnv(cfg)
	if cfg.StorageSecret == "" {
		log.Fatalf("config: storage secret required (STOA_STORAGE_SECRET or storage_secret)")
	}
	if cfg.AdminJWTSecret == "" {
		log.Fatalf("config: admin jwt secret required (STOA_ADMIN_JWT_SECRET or admin_jwt_secret)")
	}

	// The threshold tables are validated before the engine serves a
	// single score; a malformed table is fatal, never worked around.
	instruments, err := services.DefaultInstrumentSet()
	if err != nil {
		log.Fatalf("instrument tables: %v", err)
	}

	database, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	store, err := db.NewSQLiteStore(database, cfg.StorageSecret)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}

	privacy, err := services.NewPrivacyService(services.PrivacySettings{
		Epsilon:    cfg.Privacy.Epsilon,
		KThreshold: cfg.Privacy.KThreshold,
	})
	if err != nil {
		log.Fatalf("privacy engine: %v", err)
	}

	breaker := services.NewBreaker(services.BreakerSettings{
		Name:             "crisis-escalation",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Breaker.RecoveryTimeoutMs) * time.Millisecond,
		CallTimeout:      time.Duration(cfg.Breaker.CallTimeoutMs) * time.Millisecond,
	})
	scoring := services.NewScoringService(instruments)
	detector := services.NewCrisisService(instruments, time.Duration(cfg.Detector.LatencyBudgetMs)*time.Millisecond)
	escalation := services.NewEscalationService(services.LogNotifier{}, breaker, store)
	decisions := services.NewDecisionCache()
	gate := services.NewSafetyGateService(services.GateSettings{
		FreshnessWindow:   time.Duration(cfg.Gate.FreshnessWindowHours) * time.Hour,
		RuminationCeiling: time.Duration(cfg.Gate.RuminationCeilingMs) * time.Millisecond,
		HardTimeBox:       cfg.Gate.HardTimeBox,
		MaxObstacles:      cfg.Gate.MaxObstacles,
		AnxietyMarkers:    cfg.Gate.AnxietyMarkers,
	}, decisions)
	auth := middleware.NewAuth(cfg.AdminJWTSecret)

	mux := http.NewServeMux()
	api.NewRouter(scoring, detector, escalation, gate, privacy, decisions, store, auth).Register(mux)

	commit := os.Getenv("STOA_COMMIT")
	buildTime := os.Getenv("STOA_BUILD_TIME")
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"name":       "Stoa Engine",
			"commit":     commit,
			"build_time": buildTime,
		})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commit":     commit,
			"build_time": buildTime,
		})
	})

	handler := middleware.SecureHeaders(middleware.NoStore(mux))

	log.Printf("stoa engine listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// applyEnv overlays STOA_* environment variables on the file config.
func applyEnv(cfg *config.Config) {
	if v := os.Getenv("STOA_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("STOA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STOA_STORAGE_SECRET"); v != "" {
		cfg.StorageSecret = v
	}
	if v := os.Getenv("STOA_ADMIN_JWT_SECRET"); v != "" {
		cfg.AdminJWTSecret = v
	}
}
