package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRejectsAuthDisabledInProduction(t *testing.T) {
	cfg := Config{
		Environment: "production",
		Auth:        AuthConfig{AllowAuthDisabled: true},
	}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateAllowsAuthDisabledOutsideProduction(t *testing.T) {
	cfg := Config{
		Environment: "development",
		Auth:        AuthConfig{AllowAuthDisabled: true},
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidateAllowsProductionWithAuthEnabled(t *testing.T) {
	cfg := Config{
		Environment: "production",
		Auth:        AuthConfig{AllowAuthDisabled: false},
	}
	assert.NoError(t, cfg.Validate())
}
