package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Hussein-Mazeh/duressvault/krypto"
)

// Config contains vault configuration parameters.
type Config struct {
	Dir      string   `env:"PM_DIR" envDefault:"./dev-vault"`
	LogLevel int      `env:"LOG_LEVEL" envDefault:"0"`
	KDF      KDF      `envPrefix:"KDF_"`
	Transfer Transfer `envPrefix:"TRANSFER_"`
	HIBP     HIBP     `envPrefix:"HIBP_"`
	Backup   Backup   `envPrefix:"BACKUP_"`
}

// KDF contains Argon2id parameters for new master passwords. Values below the floors are rejected.
type KDF struct {
	MemoryMB    uint32 `env:"MEMORY_MB" envDefault:"64"`
	Time        uint32 `env:"TIME" envDefault:"3"`
	Parallelism uint8  `env:"PARALLELISM" envDefault:"4"`
}

// Params converts the configuration to Argon2 parameters.
func (k KDF) Params() krypto.Argon2Params {
	p := krypto.DefaultArgon2Params()
	p.MemoryMB = k.MemoryMB
	p.Time = k.Time
	p.Parallelism = k.Parallelism
	return p
}

// Transfer contains chunking and scanning parameters.
type Transfer struct {
	ChunkSize   int           `env:"CHUNK_SIZE" envDefault:"500"`
	ScanTimeout time.Duration `env:"SCAN_TIMEOUT" envDefault:"2m"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"0"`
}

// HIBP contains breach lookup parameters.
type HIBP struct {
	Enabled  bool          `env:"ENABLED" envDefault:"false"`
	URL      string        `env:"URL" envDefault:"https://api.pwnedpasswords.com/range/"`
	Interval time.Duration `env:"INTERVAL" envDefault:"1600ms"`
}

// Backup contains duress backup destinations. Each destination is enabled by setting it.
type Backup struct {
	Dir        string `env:"DIR"`
	WebhookURL string `env:"WEBHOOK_URL"`
	Minio      Minio  `envPrefix:"MINIO_"`
}

// Minio contains object storage parameters.
type Minio struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET_NAME" envDefault:"duressvault-backups"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"true"`
}

// Enabled reports whether an endpoint is configured.
func (m Minio) Enabled() bool { return m.Endpoint != "" }

// NewConfig loads configuration from environment variables.
func NewConfig() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.KDF.Params().Validate(); err != nil {
		return nil, fmt.Errorf("invalid kdf config: %w", err)
	}
	if cfg.Transfer.ChunkSize < 16 {
		return nil, fmt.Errorf("invalid transfer chunk size %d", cfg.Transfer.ChunkSize)
	}

	return &cfg, nil
}
