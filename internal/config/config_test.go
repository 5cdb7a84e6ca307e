package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Loyalty.Points.SessionCompleted != 50 {
		t.Errorf("SessionCompleted = %d, want 50", cfg.Loyalty.Points.SessionCompleted)
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("server:\n  port: \"9000\"\nbusiness:\n  timezone: Asia/Jakarta\nloyalty:\n  points:\n    session_completed: 75\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("Port = %q, want env override 9100", cfg.Server.Port)
	}
	if cfg.Loyalty.Points.SessionCompleted != 75 {
		t.Errorf("SessionCompleted = %d, want 75", cfg.Loyalty.Points.SessionCompleted)
	}
	if cfg.Business.Location().String() != "Asia/Jakarta" {
		t.Errorf("Location = %s, want Asia/Jakarta", cfg.Business.Location())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "tiers out of order",
			mutate:  func(c *Config) { c.Loyalty.Tiers[2].MinEarned = 100 },
			wantErr: true,
		},
		{
			name:    "first tier not zero",
			mutate:  func(c *Config) { c.Loyalty.Tiers[0].MinEarned = 10 },
			wantErr: true,
		},
		{
			name:    "gap between bands",
			mutate:  func(c *Config) { c.Referral.Bands[2].Min = 4 },
			wantErr: true,
		},
		{
			name:    "discount decreases",
			mutate:  func(c *Config) { c.Referral.Bands[3].Discount = 1 },
			wantErr: true,
		},
		{
			name:    "discount above max",
			mutate:  func(c *Config) { c.Referral.Bands[5].Discount = 20 },
			wantErr: true,
		},
		{
			name:    "no suffix digits",
			mutate:  func(c *Config) { c.Referral.SuffixDigits = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
