package server

import (
	"log/slog"
	"testing"
)

func TestApplySecureDefaults(t *testing.T) {
	logger := slog.Default()

	t.Run("fresh config gets secure defaults", func(t *testing.T) {
		cfg := applySecureDefaults(&Config{}, logger)

		if !cfg.RequirePKCE {
			t.Error("RequirePKCE not enabled by default")
		}
		if cfg.AllowPKCEPlain {
			t.Error("AllowPKCEPlain enabled by default")
		}
		if cfg.AuthorizationCodeTTL != 600 {
			t.Errorf("AuthorizationCodeTTL = %d, want 600", cfg.AuthorizationCodeTTL)
		}
		if cfg.AccessTokenTTL != 3600 {
			t.Errorf("AccessTokenTTL = %d, want 3600", cfg.AccessTokenTTL)
		}
		if cfg.RefreshTokenTTL != 7776000 {
			t.Errorf("RefreshTokenTTL = %d, want 7776000", cfg.RefreshTokenTTL)
		}
		if cfg.ClockSkewGracePeriod != 5 {
			t.Errorf("ClockSkewGracePeriod = %d, want 5", cfg.ClockSkewGracePeriod)
		}
		if cfg.MaxClientsPerIP != 10 {
			t.Errorf("MaxClientsPerIP = %d, want 10", cfg.MaxClientsPerIP)
		}
	})

	t.Run("code TTL is clamped to ten minutes", func(t *testing.T) {
		cfg := applySecureDefaults(&Config{AuthorizationCodeTTL: 3600}, logger)
		if cfg.AuthorizationCodeTTL != 600 {
			t.Errorf("AuthorizationCodeTTL = %d, want clamped to 600", cfg.AuthorizationCodeTTL)
		}
	})

	t.Run("explicit config is preserved", func(t *testing.T) {
		cfg := applySecureDefaults(&Config{
			RequirePKCE:         false,
			EnablePasswordGrant: true,
		}, logger)
		if cfg.RequirePKCE {
			t.Error("explicitly disabled PKCE was overridden")
		}
		if !cfg.EnablePasswordGrant {
			t.Error("EnablePasswordGrant lost")
		}
	})
}

func TestNew_HTTPSEnforcement(t *testing.T) {
	srv, store := setupFlowTestServer(t, nil)
	_ = srv

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{"https issuer", &Config{Issuer: "https://auth.example.com"}, false},
		{"http localhost", &Config{Issuer: "http://localhost:8080"}, false},
		{"http loopback", &Config{Issuer: "http://127.0.0.1:8080"}, false},
		{"http production blocked", &Config{Issuer: "http://auth.example.com"}, true},
		{"http production with override", &Config{Issuer: "http://auth.example.com", AllowInsecureHTTP: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(srv.codec, store, store, store, tt.config, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
