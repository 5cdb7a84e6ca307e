package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is loaded once at process start and passed explicitly to every component.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
	Business BusinessConfig `yaml:"business"`
	Loyalty  LoyaltyConfig  `yaml:"loyalty"`
	Referral ReferralConfig `yaml:"referral"`
	Ranking  RankingConfig  `yaml:"ranking"`
	Worker   WorkerConfig   `yaml:"worker"`
	Notify   NotifyConfig   `yaml:"notify"`
	Midtrans MidtransConfig `yaml:"midtrans"`
	Firebase FirebaseConfig `yaml:"firebase"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	// DSN accepts postgres URLs / key=value strings, or sqlite file paths.
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL            string `yaml:"url"`
	CatalogTTLSecs int    `yaml:"catalog_ttl_seconds"`
	CallbackTTLMin int    `yaml:"callback_lock_minutes"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type BusinessConfig struct {
	Name                      string `yaml:"name"`
	Timezone                  string `yaml:"timezone"`
	DefaultResource           string `yaml:"default_resource"`
	AutoConfirmPackageBooking bool   `yaml:"auto_confirm_package_booking"`
	MinCancelNoticeMinutes    int    `yaml:"min_cancel_notice_minutes"`
	PhoneCountryCode          string `yaml:"phone_country_code"`
}

// Location resolves the business timezone, falling back to UTC.
func (b BusinessConfig) Location() *time.Location {
	if b.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TierThreshold maps a minimum lifetime-earned amount to a tier name.
type TierThreshold struct {
	Name      string `yaml:"name"`
	MinEarned int64  `yaml:"min_earned"`
}

type PointValues struct {
	ReferralConfirmed int64 `yaml:"referral_confirmed"`
	ReferredWelcome   int64 `yaml:"referred_welcome"`
	SessionCompleted  int64 `yaml:"session_completed"`
	ReviewSubmitted   int64 `yaml:"review_submitted"`
	Birthday          int64 `yaml:"birthday"`
	TierPromotion     int64 `yaml:"tier_promotion"`
}

type LoyaltyConfig struct {
	Tiers  []TierThreshold `yaml:"tiers"`
	Points PointValues     `yaml:"points"`
}

// DiscountBand is one row of the referral discount table. Max < 0 means unbounded.
type DiscountBand struct {
	Min      int    `yaml:"min"`
	Max      int    `yaml:"max"`
	Discount int    `yaml:"discount"`
	Label    string `yaml:"label"`
}

type ReferralConfig struct {
	Bands        []DiscountBand `yaml:"bands"`
	SuffixDigits int            `yaml:"suffix_digits"`
	MaxDiscount  int            `yaml:"max_discount"`
}

type RankingConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

type WorkerConfig struct {
	TickSeconds       int `yaml:"tick_seconds"`
	OutboxBatchSize   int `yaml:"outbox_batch_size"`
	OutboxMaxAttempts int `yaml:"outbox_max_attempts"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
}

// Tick returns the worker polling interval.
func (w WorkerConfig) Tick() time.Duration {
	if w.TickSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(w.TickSeconds) * time.Second
}

type WahaConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Session string `yaml:"session"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type NotifyConfig struct {
	Waha WahaConfig `yaml:"waha"`
	SMTP SMTPConfig `yaml:"smtp"`
}

type MidtransConfig struct {
	ServerKey    string `yaml:"server_key"`
	IsProduction bool   `yaml:"is_production"`
}

type FirebaseConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{DSN: "data/glowledger.db"},
		Redis:    RedisConfig{CatalogTTLSecs: 300, CallbackTTLMin: 60},
		Log:      LogConfig{Level: "info", Format: "text", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30},
		Business: BusinessConfig{
			Name:                      "Glow Studio",
			Timezone:                  "UTC",
			DefaultResource:           "default",
			AutoConfirmPackageBooking: true,
			PhoneCountryCode:          "62",
		},
		Loyalty: LoyaltyConfig{
			Tiers: []TierThreshold{
				{Name: "BRONZE", MinEarned: 0},
				{Name: "SILVER", MinEarned: 500},
				{Name: "GOLD", MinEarned: 1500},
				{Name: "DIAMOND", MinEarned: 3000},
			},
			Points: PointValues{
				ReferralConfirmed: 200,
				ReferredWelcome:   100,
				SessionCompleted:  50,
				ReviewSubmitted:   30,
				Birthday:          150,
				TierPromotion:     50,
			},
		},
		Referral: ReferralConfig{
			Bands: []DiscountBand{
				{Min: 0, Max: 0, Discount: 0, Label: "Starter"},
				{Min: 1, Max: 2, Discount: 3, Label: "Friend"},
				{Min: 3, Max: 5, Discount: 5, Label: "Advocate"},
				{Min: 6, Max: 9, Discount: 8, Label: "Ambassador"},
				{Min: 10, Max: 19, Discount: 12, Label: "Champion"},
				{Min: 20, Max: -1, Discount: 15, Label: "Legend"},
			},
			SuffixDigits: 2,
			MaxDiscount:  15,
		},
		Ranking: RankingConfig{DefaultLimit: 10, MaxLimit: 100},
		Worker:  WorkerConfig{TickSeconds: 60, OutboxBatchSize: 50, OutboxMaxAttempts: 5, RetryDelaySeconds: 300},
		Notify: NotifyConfig{
			Waha: WahaConfig{BaseURL: "http://waha:3000", Session: "default"},
		},
		Firebase: FirebaseConfig{CredentialsPath: "./firebase-service-account.json"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, errRead := os.ReadFile(path)
		switch {
		case errRead == nil:
			if errYAML := yaml.Unmarshal(data, &cfg); errYAML != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, errYAML)
			}
		case errors.Is(errRead, os.ErrNotExist):
			// optional file
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
		}
	}
	applyEnv(&cfg)
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Database.DSN, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.File, "LOG_FILE")
	setString(&cfg.Business.Timezone, "BUSINESS_TZ")
	setString(&cfg.Notify.Waha.BaseURL, "WAHA_BASE_URL")
	setString(&cfg.Notify.Waha.APIKey, "WAHA_API_KEY")
	setString(&cfg.Notify.SMTP.Host, "SMTP_HOST")
	setString(&cfg.Notify.SMTP.Port, "SMTP_PORT")
	setString(&cfg.Notify.SMTP.User, "SMTP_USER")
	setString(&cfg.Notify.SMTP.Password, "SMTP_PASS")
	setString(&cfg.Notify.SMTP.From, "EMAIL_FROM")
	setString(&cfg.Midtrans.ServerKey, "MIDTRANS_SERVER_KEY")
	setString(&cfg.Firebase.CredentialsPath, "FIREBASE_CREDENTIALS_PATH")
	if v := os.Getenv("MIDTRANS_IS_PRODUCTION"); v != "" {
		cfg.Midtrans.IsProduction = v == "true"
	}
	if v := os.Getenv("WORKER_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.TickSeconds = n
		}
	}
}

// Validate rejects tables that would make tier or discount lookups ambiguous.
func (c Config) Validate() error {
	if len(c.Loyalty.Tiers) == 0 {
		return errors.New("config: loyalty.tiers must not be empty")
	}
	if c.Loyalty.Tiers[0].MinEarned != 0 {
		return errors.New("config: first loyalty tier must start at 0")
	}
	for i := 1; i < len(c.Loyalty.Tiers); i++ {
		if c.Loyalty.Tiers[i].MinEarned <= c.Loyalty.Tiers[i-1].MinEarned {
			return fmt.Errorf("config: loyalty tier %q is not above %q", c.Loyalty.Tiers[i].Name, c.Loyalty.Tiers[i-1].Name)
		}
	}

	bands := c.Referral.Bands
	if len(bands) == 0 {
		return errors.New("config: referral.bands must not be empty")
	}
	if bands[0].Min != 0 {
		return errors.New("config: first referral band must start at 0")
	}
	for i, b := range bands {
		last := i == len(bands)-1
		if !last && b.Max < b.Min {
			return fmt.Errorf("config: referral band %q has max below min", b.Label)
		}
		if last && b.Max >= 0 && b.Max < b.Min {
			return fmt.Errorf("config: referral band %q has max below min", b.Label)
		}
		if i > 0 {
			prev := bands[i-1]
			if b.Min != prev.Max+1 {
				return fmt.Errorf("config: referral band %q does not continue %q", b.Label, prev.Label)
			}
			if b.Discount < prev.Discount {
				return fmt.Errorf("config: referral band %q lowers the discount", b.Label)
			}
		}
		if c.Referral.MaxDiscount > 0 && b.Discount > c.Referral.MaxDiscount {
			return fmt.Errorf("config: referral band %q exceeds max discount", b.Label)
		}
	}
	if c.Referral.SuffixDigits < 1 || c.Referral.SuffixDigits > 6 {
		return errors.New("config: referral.suffix_digits must be between 1 and 6")
	}
	return nil
}
