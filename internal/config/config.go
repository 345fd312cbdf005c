package config

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config carries everything the server needs from the environment
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string
	AppEnv      string
}

// Load reads configuration from .env (if present) and the environment
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			getEnv("PGUSER", "cardswap_user"),
			getEnv("PGPASSWORD", "cardswap_pass"),
			getEnv("PGHOST", "localhost"),
			getEnv("PGPORT", "5432"),
			getEnv("PGDATABASE", "cardswap_db"),
			getEnv("PGSSLMODE", "disable"),
		)
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: dbURL,
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret-change-me"),
		AppEnv:      getEnv("APP_ENV", "development"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
