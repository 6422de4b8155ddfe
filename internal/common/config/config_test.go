package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalsync/vitalsync/internal/common/config"
)

func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0600), "failed to write temp config file")
	return tmpFile
}

func TestLoad(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		content     string
		missingFile bool

		wantAllowed []string
		wantErr     bool
	}{
		"Valid config loads": {
			content:     `{"allowList": ["healthkit", "fitsync"]}`,
			wantAllowed: []string{"healthkit", "fitsync"},
		},
		"Empty JSON loads": {
			content: "{}",
		},
		"Device tokens load": {
			content:     `{"allowList": ["healthkit"], "deviceTokens": {"tok-a": 42}}`,
			wantAllowed: []string{"healthkit"},
		},
		"Ignores reserved names": {
			content: func() string {
				content := `{"allowList": ["healthkit"`
				for reservedName := range config.GetReservedNames() {
					content += fmt.Sprintf(`, "%s"`, reservedName)
				}
				content += `]}`
				return content
			}(),
			wantAllowed: []string{"healthkit"},
		},

		// Error cases
		"Invalid JSON fails": {
			content: `{"allowList": ["healthkit"]`, // Missing closing brace
			wantErr: true,
		},
		"Missing file fails": {
			content:     "{}",
			missingFile: true,
			wantErr:     true,
		},
		"Empty file fails": {
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			configPath := "nonexistent.json"
			if !tc.missingFile {
				configPath = createTempConfigFile(t, tc.content)
			}

			cm := config.New(configPath)
			err := cm.Load()

			if tc.wantErr {
				require.Error(t, err, "expected error loading config")
				return
			}
			require.NoError(t, err, "unexpected error loading config")

			assert.ElementsMatch(t, tc.wantAllowed, cm.AllowList(), "allow list mismatch")
			for _, app := range tc.wantAllowed {
				assert.True(t, cm.IsAllowed(app), "app %q should be allowed", app)
			}
			assert.False(t, cm.IsAllowed("unlisted"), "unlisted app should not be allowed")
		})
	}
}

func TestResolveToken(t *testing.T) {
	t.Parallel()

	configPath := createTempConfigFile(t, `{"deviceTokens": {"tok-a": 42, "tok-b": 7}}`)
	cm := config.New(configPath)
	require.NoError(t, cm.Load(), "Setup: failed to load config")

	userID, ok := cm.ResolveToken("tok-a")
	require.True(t, ok, "known token should resolve")
	assert.Equal(t, int64(42), userID)

	_, ok = cm.ResolveToken("unknown")
	assert.False(t, ok, "unknown token should not resolve")
}

func TestWatchReload(t *testing.T) {
	t.Parallel()

	configPath := createTempConfigFile(t, `{"allowList": ["healthkit"]}`)
	cm := config.New(configPath)

	changes, errCh, err := cm.Watch(t.Context())
	require.NoError(t, err, "Setup: failed to start watching config")
	require.True(t, cm.IsAllowed("healthkit"), "initial load should allow healthkit")

	require.NoError(t, os.WriteFile(configPath, []byte(`{"allowList": ["fitsync"]}`), 0600),
		"Setup: failed to rewrite config file")

	select {
	case <-changes:
	case err := <-errCh:
		require.NoError(t, err, "unexpected watcher error")
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	assert.True(t, cm.IsAllowed("fitsync"), "reloaded config should allow fitsync")
	assert.False(t, cm.IsAllowed("healthkit"), "reloaded config should drop healthkit")
}
