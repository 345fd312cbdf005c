package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cardswap/cardswap/internal/api"
	"github.com/cardswap/cardswap/internal/auth"
	"github.com/cardswap/cardswap/internal/config"
	"github.com/cardswap/cardswap/internal/db"
	"github.com/cardswap/cardswap/internal/ledger"
	"github.com/cardswap/cardswap/internal/notify"
	"github.com/cardswap/cardswap/internal/settlement"
	"github.com/cardswap/cardswap/internal/trade"
	"github.com/cardswap/cardswap/internal/valuation"
)

const sweepInterval = time.Minute

func main() {
	cfg := config.Load()
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	hub := notify.NewHub()

	authService := auth.NewService(database, cfg.JWTSecret)
	valuer := valuation.NewService(database)
	ledgerService := ledger.NewService(database)
	orchestrator := settlement.NewOrchestrator(database, ledgerService)
	trades := trade.NewService(database, valuer, orchestrator, hub)

	handler := api.NewHandler(database, authService, trades, ledgerService, valuer)

	go runSweeps(ctx, trades, ledgerService, hub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/ws", hub.HandleWS)
	r.Mount("/", handler.Router())

	addr := ":" + cfg.Port
	log.Printf("Server starting on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// runSweeps expires stale offers and releases due settlement holds on a
// fixed cadence. Both operations are idempotent, so overlapping runs
// across replicas are safe.
func runSweeps(ctx context.Context, trades *trade.Service, ledgerService *ledger.Service, hub *notify.Hub) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := trades.ExpireSweep(ctx); err != nil {
				log.Printf("Offer expiry sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Expired %d stale offers", n)
			}
			if n, err := ledgerService.ReleaseDue(ctx); err != nil {
				log.Printf("Settlement release sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Released %d settlement holds", n)
				hub.Publish("settlement_released", map[string]int{"count": n})
			}
		}
	}
}
