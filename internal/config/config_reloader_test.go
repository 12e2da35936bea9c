package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigReloader(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise

	// Test with valid config and no file (SIGHUP only)
	cfg := &Config{LogLevel: "info"}
	reloader, err := NewConfigReloader("", cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()

	// Test with temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	err = os.WriteFile(configPath, []byte("log_level: info\n"), 0644)
	require.NoError(t, err)

	reloader, err = NewConfigReloader(configPath, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()
}

func TestConfigReloader_FileWatching(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	// Write initial config
	initialYAML := `log_level: info
rate_limit:
  enabled: false
hsm:
  provider: software
`
	err := os.WriteFile(configPath, []byte(initialYAML), 0644)
	require.NoError(t, err)

	// Load initial config (this will set defaults)
	initialConfig, err := LoadConfig(configPath)
	require.NoError(t, err)

	// Create reloader
	reloader, err := NewConfigReloader(configPath, initialConfig, logger)
	require.NoError(t, err)
	defer reloader.Stop()

	// Set up callback tracking
	var callbackCalled int64
	var firstCallbackOld, firstCallbackNew *Config
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		callCount := atomic.AddInt64(&callbackCalled, 1)
		if callCount == 1 { // Capture first call
			firstCallbackOld = old
			firstCallbackNew = new
		}
		return nil
	})

	// Start reloader in background
	go reloader.Start()

	// Wait a bit for watcher to start
	time.Sleep(100 * time.Millisecond)

	// Modify config file
	updatedYAML := `log_level: debug
rate_limit:
  enabled: true
  limit: 200
  window: 120s
hsm:
  provider: software
`
	err = os.WriteFile(configPath, []byte(updatedYAML), 0644)
	require.NoError(t, err)

	// Wait for reload
	time.Sleep(200 * time.Millisecond)

	// Check that callback was called at least once
	assert.True(t, atomic.LoadInt64(&callbackCalled) >= 1, "Callback should have been called at least once")
	assert.NotNil(t, firstCallbackOld)
	assert.NotNil(t, firstCallbackNew)
	assert.Equal(t, "info", firstCallbackOld.LogLevel)
	assert.Equal(t, "debug", firstCallbackNew.LogLevel)
}

func TestConfigReloader_SIGHUP(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// Initial config
	initialConfig := &Config{
		LogLevel:  "info",
		RateLimit: RateLimitConfig{Enabled: false},
	}

	// Create reloader (without file watching by using empty path)
	reloader, err := NewConfigReloader("", initialConfig, logger)
	require.NoError(t, err)
	defer reloader.Stop()

	// Set up callback tracking
	var callbackCalled int64
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		atomic.AddInt64(&callbackCalled, 1)
		return nil
	})

	// Start reloader in background
	go reloader.Start()

	// Wait a bit for watcher to start
	time.Sleep(100 * time.Millisecond)

	// Send SIGHUP
	pid := os.Getpid()
	process, err := os.FindProcess(pid)
	require.NoError(t, err)
	err = process.Signal(syscall.SIGHUP)
	require.NoError(t, err)

	// Wait for signal handling
	time.Sleep(200 * time.Millisecond)

	// The signal must be handled without panic; the callback may or may not
	// run depending on whether the empty-path reload passes the safety check.
	assert.True(t, atomic.LoadInt64(&callbackCalled) >= 0)
}

func TestValidateReloadSafety(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &Config{}
	reloader, err := NewConfigReloader("", cfg, logger)
	require.NoError(t, err)
	defer reloader.Stop()

	slotA := uint(1)
	slotB := uint(2)

	tests := []struct {
		name        string
		oldConfig   *Config
		newConfig   *Config
		expectError bool
		errorMsg    string
	}{
		{
			name: "safe changes allowed",
			oldConfig: &Config{
				LogLevel:  "info",
				RateLimit: RateLimitConfig{Enabled: false},
			},
			newConfig: &Config{
				LogLevel:  "debug",
				RateLimit: RateLimitConfig{Enabled: true, Limit: 10},
			},
			expectError: false,
		},
		{
			name: "hsm provider change rejected",
			oldConfig: &Config{
				HSM: HSMConfig{Provider: "software"},
			},
			newConfig: &Config{
				HSM: HSMConfig{Provider: "pkcs11"},
			},
			expectError: true,
			errorMsg:    "hsm.provider cannot be changed during hot reload",
		},
		{
			name: "module path change rejected",
			oldConfig: &Config{
				HSM: HSMConfig{ModulePath: "/old/lib.so"},
			},
			newConfig: &Config{
				HSM: HSMConfig{ModulePath: "/new/lib.so"},
			},
			expectError: true,
			errorMsg:    "hsm.module_path cannot be changed during hot reload",
		},
		{
			name: "token label change rejected",
			oldConfig: &Config{
				HSM: HSMConfig{TokenLabel: "old"},
			},
			newConfig: &Config{
				HSM: HSMConfig{TokenLabel: "new"},
			},
			expectError: true,
			errorMsg:    "hsm.token_label cannot be changed during hot reload",
		},
		{
			name: "pin change rejected",
			oldConfig: &Config{
				HSM: HSMConfig{PIN: "1234"},
			},
			newConfig: &Config{
				HSM: HSMConfig{PIN: "5678"},
			},
			expectError: true,
			errorMsg:    "hsm.pin cannot be changed during hot reload",
		},
		{
			name: "slot change rejected",
			oldConfig: &Config{
				HSM: HSMConfig{SlotID: &slotA},
			},
			newConfig: &Config{
				HSM: HSMConfig{SlotID: &slotB},
			},
			expectError: true,
			errorMsg:    "hsm.slot_id cannot be changed during hot reload",
		},
		{
			name: "key token policy change rejected",
			oldConfig: &Config{
				Keys: KeysConfig{Token: false},
			},
			newConfig: &Config{
				Keys: KeysConfig{Token: true},
			},
			expectError: true,
			errorMsg:    "keys.token cannot be changed during hot reload",
		},
		{
			name: "key sensitive policy change rejected",
			oldConfig: &Config{
				Keys: KeysConfig{Sensitive: true},
			},
			newConfig: &Config{
				Keys: KeysConfig{Sensitive: false},
			},
			expectError: true,
			errorMsg:    "keys.sensitive cannot be changed during hot reload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reloader.validateReloadSafety(tt.oldConfig, tt.newConfig)
			if tt.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetCurrentConfig(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	originalConfig := &Config{LogLevel: "info"}
	reloader, err := NewConfigReloader("", originalConfig, logger)
	require.NoError(t, err)
	defer reloader.Stop()

	// Get current config
	current := reloader.GetCurrentConfig()
	assert.Equal(t, "info", current.LogLevel)

	// Modify returned config (should not affect internal state)
	current.LogLevel = "debug"
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
}
