package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/cardswap/cardswap/internal/config"
	"github.com/cardswap/cardswap/internal/db"
	"github.com/cardswap/cardswap/internal/ledger"
	"github.com/cardswap/cardswap/internal/models"
	"github.com/cardswap/cardswap/internal/storage"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	users := seedUsers(ctx, database)
	seedWallets(ctx, database, users)
	seedListings(ctx, database, users)
	seedSales(ctx, database)

	log.Println("Seed complete")
}

func seedUsers(ctx context.Context, database *db.DB) map[string]*models.User {
	users := make(map[string]*models.User)
	for _, name := range []string{"ash", "misty", "brock"} {
		hash, err := bcrypt.GenerateFromPassword([]byte(name+"123"), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		user, err := database.CreateUser(ctx, name, string(hash))
		if err != nil {
			log.Fatalf("Failed to create user %s: %v", name, err)
		}
		users[name] = user
		log.Printf("Created user %s (%s)", name, user.ID)
	}
	return users
}

func seedWallets(ctx context.Context, database *db.DB, users map[string]*models.User) {
	ledgerService := ledger.NewService(database)
	for name, user := range users {
		if _, err := ledgerService.Deposit(ctx, user.ID, decimal.NewFromInt(500)); err != nil {
			log.Fatalf("Failed to fund wallet for %s: %v", name, err)
		}
	}
}

func seedListings(ctx context.Context, database *db.DB, users map[string]*models.User) {
	listings := []struct {
		owner     string
		card      models.CardIdentity
		condition string
		price     float64
	}{
		{"ash", models.CardIdentity{Name: "Charizard", Set: "Base Set", Rarity: "holo_rare"}, "near_mint", 420},
		{"ash", models.CardIdentity{Name: "Pikachu", Set: "Jungle", Rarity: "common"}, "played", 2.5},
		{"misty", models.CardIdentity{Name: "Blastoise", Set: "Base Set", Rarity: "holo_rare"}, "excellent", 180},
		{"misty", models.CardIdentity{Name: "Gyarados", Set: "Base Set", Rarity: "rare"}, "near_mint", 35},
		{"brock", models.CardIdentity{Name: "Onix", Set: "Base Set", Rarity: "common"}, "mint", 4},
		{"brock", models.CardIdentity{Name: "Umbreon VMAX", Set: "Evolving Skies", Rarity: "secret_rare"}, "gem_mint", 650},
	}

	now := time.Now()
	for _, l := range listings {
		listing := &models.Listing{
			ID:          uuid.New(),
			OwnerID:     users[l.owner].ID,
			Card:        l.card,
			Condition:   l.condition,
			AskingPrice: decimal.NewFromFloat(l.price),
			Status:      models.ListingActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := database.WithTx(ctx, func(tx storage.Tx) error {
			return tx.InsertListing(ctx, listing)
		})
		if err != nil {
			log.Fatalf("Failed to insert listing %s: %v", l.card.Name, err)
		}
		log.Printf("Listed %s for %s (%s)", l.card.Name, l.owner, listing.ID)
	}
}

// seedSales backfills recent comparable sales so valuations start out
// market-based rather than falling back to rarity baselines.
func seedSales(ctx context.Context, database *db.DB) {
	sales := []struct {
		card      models.CardIdentity
		condition string
		price     float64
		daysAgo   int
	}{
		{models.CardIdentity{Name: "Charizard", Set: "Base Set", Rarity: "holo_rare"}, "near_mint", 410, 5},
		{models.CardIdentity{Name: "Charizard", Set: "Base Set", Rarity: "holo_rare"}, "near_mint", 395, 18},
		{models.CardIdentity{Name: "Charizard", Set: "Base Set", Rarity: "holo_rare"}, "near_mint", 432, 40},
		{models.CardIdentity{Name: "Charizard", Set: "Base Set", Rarity: "holo_rare"}, "near_mint", 405, 61},
		{models.CardIdentity{Name: "Blastoise", Set: "Base Set", Rarity: "holo_rare"}, "excellent", 175, 9},
		{models.CardIdentity{Name: "Blastoise", Set: "Base Set", Rarity: "holo_rare"}, "excellent", 168, 33},
		{models.CardIdentity{Name: "Blastoise", Set: "Base Set", Rarity: "holo_rare"}, "excellent", 190, 70},
		{models.CardIdentity{Name: "Pikachu", Set: "Jungle", Rarity: "common"}, "played", 2.25, 12},
	}

	now := time.Now()
	for _, s := range sales {
		err := database.AddComparableSale(ctx, models.CardPrice{
			Card:      s.card,
			Condition: s.condition,
			SalePrice: decimal.NewFromFloat(s.price),
			SoldAt:    now.AddDate(0, 0, -s.daysAgo),
		})
		if err != nil {
			log.Fatalf("Failed to record sale for %s: %v", s.card.Name, err)
		}
	}
	log.Printf("Recorded %d comparable sales", len(sales))
}
