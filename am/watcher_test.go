package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/shiftly/dispatch"
)

func TestWatcherAppliesValidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	writeFile(t, path, "[dispatch]\nwave_size = 10\n")

	cw, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar(),
		WithLoader(func() (*Config, error) { return LoadFromFile(path) }),
		WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { cw.Stop() })

	applied := make(chan dispatch.Tuning, 4)
	cw.OnReload(func(c *Config) error {
		applied <- c.DispatchTuning()
		return nil
	})
	cw.Start()

	require.NoError(t, os.WriteFile(path, []byte("[dispatch]\nwave_size = 3\nmax_waves = 2\n"), 0644))

	select {
	case tuning := <-applied:
		assert.Equal(t, 3, tuning.WaveSize)
		assert.Equal(t, 2, tuning.MaxWaves)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never ran")
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	writeFile(t, path, "[instant]\ncancel_penalty_percent = 50\n")

	cw, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar(),
		WithLoader(func() (*Config, error) { return LoadFromFile(path) }))
	require.NoError(t, err)
	t.Cleanup(func() { cw.Stop() })

	called := false
	cw.OnReload(func(*Config) error {
		called = true
		return nil
	})

	err = cw.reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel_penalty_percent")
	assert.False(t, called)
}

func TestOwnWriteIsIgnoredOnce(t *testing.T) {
	cw := &ConfigWatcher{}
	assert.False(t, cw.checkOwnWrite())
	cw.MarkOwnWrite()
	assert.True(t, cw.checkOwnWrite())
	assert.False(t, cw.checkOwnWrite())
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/x/am.toml.back1"))
	assert.True(t, isBackupFile("config.toml.back3"))
	assert.False(t, isBackupFile("am.toml"))
	assert.False(t, isBackupFile("am.toml.backup"))
}
