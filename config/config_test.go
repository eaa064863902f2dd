package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, 9753, cfg.Server.Port)
	assert.Equal(t, 300, cfg.Policy.RunnerTimeoutSeconds)
	assert.Equal(t, 0, cfg.Policy.ServerTimeoutSeconds)
	assert.Equal(t, 5, cfg.Policy.ShutdownDelayForConnectionCloseSeconds)
	assert.Equal(t, 30, cfg.Policy.ShutdownDelayForOutstandingRunnersSeconds)
	assert.False(t, cfg.Policy.DisableRequeueing)
	assert.Equal(t, 0, cfg.Policy.FailureLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid defaults",
			cfg: Config{
				Server: ServerConfig{Port: 9753},
				Policy: PolicyConfig{RunnerTimeoutSeconds: 300},
			},
			wantErr: false,
		},
		{
			name: "port out of range",
			cfg: Config{
				Server: ServerConfig{Port: 0},
				Policy: PolicyConfig{RunnerTimeoutSeconds: 300},
			},
			wantErr: true,
		},
		{
			name: "zero runner timeout is invalid",
			cfg: Config{
				Server: ServerConfig{Port: 9753},
				Policy: PolicyConfig{RunnerTimeoutSeconds: 0},
			},
			wantErr: true,
		},
		{
			name: "negative failure limit is invalid",
			cfg: Config{
				Server: ServerConfig{Port: 9753},
				Policy: PolicyConfig{RunnerTimeoutSeconds: 300, FailureLimit: -1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	p := PolicyConfig{
		RunnerTimeoutSeconds:                      300,
		ServerTimeoutSeconds:                      60,
		ShutdownDelayForConnectionCloseSeconds:    5,
		ShutdownDelayForOutstandingRunnersSeconds: 30,
	}

	assert.Equal(t, 300e9, float64(p.RunnerTimeout()))
	assert.Equal(t, 60e9, float64(p.ServerTimeout()))
	assert.Equal(t, 5e9, float64(p.ShutdownDelayForConnectionClose()))
	assert.Equal(t, 30e9, float64(p.ShutdownDelayForOutstandingRunners()))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/dispatch.toml"
	contents := []byte("[server]\nport = 8080\nrevision = \"abc123\"\n\n[policy]\nfailure_limit = 5\n")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "abc123", cfg.Server.Revision)
	assert.Equal(t, 5, cfg.Policy.FailureLimit)
	// Defaults still apply for unset keys.
	assert.Equal(t, 300, cfg.Policy.RunnerTimeoutSeconds)
}
