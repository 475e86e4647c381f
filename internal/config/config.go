package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":18090"`

	// gateway talks to a live server; memory runs the built-in model,
	// useful for local operation without a server.
	StoreMode  string `env:"STORE_MODE" envDefault:"memory"`
	GatewayURL string `env:"GATEWAY_URL" envDefault:"http://localhost:3000"`
	Username   string `env:"MINER_USERNAME"`
	Password   string `env:"MINER_PASSWORD"`

	TokenCachePath     string `env:"TOKEN_CACHE_PATH" envDefault:".miner-token"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	JWTSecret     string        `env:"JWT_SECRET" envDefault:"change-this-secret"`
	AdminUsername string        `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPassword string        `env:"ADMIN_PASSWORD" envDefault:"change-me"`
	AdminTokenTTL time.Duration `env:"ADMIN_TOKEN_TTL" envDefault:"24h"`

	JournalMode string `env:"JOURNAL_MODE" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`

	MaxMiningRange     float64       `env:"MAX_MINING_RANGE" envDefault:"30"`
	ExtractionInterval time.Duration `env:"EXTRACTION_INTERVAL" envDefault:"2s"`
	RetargetThreshold  int           `env:"RETARGET_THRESHOLD" envDefault:"3"`
	RetargetDelay      time.Duration `env:"RETARGET_DELAY" envDefault:"500ms"`
	TickInterval       time.Duration `env:"TICK_INTERVAL" envDefault:"100ms"`
	PacketPoolSize     int           `env:"PACKET_POOL_SIZE" envDefault:"64"`
	InventoryCapacity  uint32        `env:"INVENTORY_CAPACITY" envDefault:"100"`

	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`
}

// Load reads the process environment into a Config, applying defaults for
// anything unset.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
