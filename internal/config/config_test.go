package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("HTTP_ADDR", ":8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.JWTIssuer != "classwatch-auth" {
		t.Errorf("JWTIssuer = %q", cfg.JWTIssuer)
	}
	if cfg.JWTAudience != "classwatch-api" {
		t.Errorf("JWTAudience = %q", cfg.JWTAudience)
	}
	if cfg.JWTAccessTTL != "8h" {
		t.Errorf("JWTAccessTTL = %q", cfg.JWTAccessTTL)
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
	if cfg.TelemetryKafkaTopic != "classwatch-events" {
		t.Errorf("TelemetryKafkaTopic = %q", cfg.TelemetryKafkaTopic)
	}
	if got := cfg.TelemetryKafkaBrokersList(); got != nil {
		t.Errorf("brokers = %v, want none", got)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("HTTP_ADDR", ":9090")
	os.Setenv("JWT_ISSUER", "custom-issuer")
	os.Setenv("BCRYPT_COST", "14")
	os.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	os.Setenv("ALLOWED_ORIGINS", "https://app.classwatch.dev")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.JWTIssuer != "custom-issuer" {
		t.Errorf("JWTIssuer = %q", cfg.JWTIssuer)
	}
	if cfg.BcryptCost != 14 {
		t.Errorf("BcryptCost = %d", cfg.BcryptCost)
	}
	brokers := cfg.TelemetryKafkaBrokersList()
	if len(brokers) != 2 || brokers[0] != "k1:9092" || brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", brokers)
	}
	origins := cfg.AllowedOriginsList()
	if len(origins) != 1 || origins[0] != "https://app.classwatch.dev" {
		t.Errorf("origins = %v", origins)
	}
}

func TestLoad_BcryptCostRange(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		want  int
		err   bool
	}{
		{"valid min", "4", 4, false},
		{"valid max", "31", 31, false},
		{"too low", "3", 0, true},
		{"too high", "32", 0, true},
		{"zero defaults", "0", 12, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv("HTTP_ADDR", ":8080")
			os.Setenv("BCRYPT_COST", tc.value)

			cfg, err := Load()
			if tc.err {
				if err == nil {
					t.Fatal("Load should return error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.BcryptCost != tc.want {
				t.Errorf("BcryptCost = %d, want %d", cfg.BcryptCost, tc.want)
			}
		})
	}
}

func TestAccessTTL(t *testing.T) {
	cfg := &Config{JWTAccessTTL: "45m"}
	if got := cfg.AccessTTL(); got != 45*time.Minute {
		t.Errorf("AccessTTL = %v", got)
	}
	cfg = &Config{JWTAccessTTL: "garbage"}
	if got := cfg.AccessTTL(); got != 8*time.Hour {
		t.Errorf("AccessTTL fallback = %v", got)
	}
}
