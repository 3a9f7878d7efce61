package config

import (
	"testing"
	"time"

	"faceattend/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FACE_API_PROVIDER", "")
	t.Setenv("LATE_CUTOFF", "")
	t.Setenv("FACE_RETRY_MAX_ATTEMPTS", "")

	cfg := Load()
	if cfg.Face.Provider != model.ProviderLocal {
		t.Errorf("expected local provider, got %s", cfg.Face.Provider)
	}
	if cfg.LateCutoff != 9*time.Hour+30*time.Minute {
		t.Errorf("expected 09:30 cutoff, got %s", cfg.LateCutoff)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected 5 retry attempts, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FACE_API_PROVIDER", "facepp")
	t.Setenv("LATE_CUTOFF", "08:45")
	t.Setenv("FACE_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("FACE_PROVIDER_TIMEOUT", "bogus")
	t.Setenv("DATA_DIR", "/var/lib/faceattend")

	cfg := Load()
	if cfg.Face.Provider != model.ProviderFacePP {
		t.Errorf("expected facepp provider, got %s", cfg.Face.Provider)
	}
	if cfg.LateCutoff != 8*time.Hour+45*time.Minute {
		t.Errorf("expected 08:45 cutoff, got %s", cfg.LateCutoff)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Face.Timeout != 15*time.Second {
		t.Errorf("invalid duration should fall back, got %s", cfg.Face.Timeout)
	}
	if got := cfg.CatalogPath(); got != "/var/lib/faceattend/faces.json" {
		t.Errorf("unexpected catalog path %s", got)
	}
}

func TestUnknownProviderFallsBackToLocal(t *testing.T) {
	t.Setenv("FACE_API_PROVIDER", "rekognition")
	if cfg := Load(); cfg.Face.Provider != model.ProviderLocal {
		t.Errorf("expected local fallback, got %s", cfg.Face.Provider)
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"09:30", 9*time.Hour + 30*time.Minute, false},
		{"17:05:30", 17*time.Hour + 5*time.Minute + 30*time.Second, false},
		{"9.30", 0, true},
		{"25:00", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseClock(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
