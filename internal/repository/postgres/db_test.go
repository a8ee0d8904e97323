package postgres

import (
	"testing"
	"time"

	"github.com/limiquantix/placement/internal/config"
)

func TestPoolConfigFor(t *testing.T) {
	base := config.DatabaseConfig{
		Host:    "localhost",
		Port:    5432,
		Name:    "placement",
		User:    "placement",
		SSLMode: "disable",
	}

	tests := []struct {
		name        string
		mutate      func(*config.DatabaseConfig)
		wantMax     int32
		wantMin     int32
		wantAppName string
	}{
		{
			name:    "defaults when unset",
			mutate:  func(*config.DatabaseConfig) {},
			wantMax: defaultMaxConns,
		},
		{
			name: "configured limits and application name",
			mutate: func(c *config.DatabaseConfig) {
				c.MaxOpenConns = 10
				c.MaxIdleConns = 2
				c.ConnMaxLifetime = time.Minute
				c.ApplicationName = "placementd"
			},
			wantMax:     10,
			wantMin:     2,
			wantAppName: "placementd",
		},
		{
			name: "idle above max is ignored",
			mutate: func(c *config.DatabaseConfig) {
				c.MaxOpenConns = 2
				c.MaxIdleConns = 5
			},
			wantMax: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)

			pc, err := poolConfigFor(cfg)
			if err != nil {
				t.Fatalf("poolConfigFor() error = %v", err)
			}
			if pc.MaxConns != tt.wantMax {
				t.Errorf("MaxConns = %d, want %d", pc.MaxConns, tt.wantMax)
			}
			if pc.MinConns != tt.wantMin {
				t.Errorf("MinConns = %d, want %d", pc.MinConns, tt.wantMin)
			}
			if got := pc.ConnConfig.RuntimeParams["application_name"]; got != tt.wantAppName {
				t.Errorf("application_name = %q, want %q", got, tt.wantAppName)
			}
		})
	}
}
