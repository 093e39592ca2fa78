package system

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/config"
	"github.com/KevinKickass/OpenDeviceCore/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateInitializing, StateStopping, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateError, StateStopping, true},
		{StateRunning, StateInitializing, false},
		{StateStopped, StateRunning, false},
		{StateStopping, StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	assert.Error(t, ValidateTransition(SystemState(42), StateRunning))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.Server.HTTPPort = 0
	cfg.Server.GRPCPort = 0
	cfg.Serial.Port = filepath.Join(dir, "no-such-tty")
	cfg.Serial.PollInterval = time.Hour
	cfg.Device.WorkDir = dir
	cfg.Updates.DownloadDir = filepath.Join(dir, "downloads")
	cfg.Updates.AutoCheck = false
	cfg.Journal.Path = filepath.Join(dir, "journal.sqlite")
	return cfg
}

func TestLifecycleManager_StartShutdown(t *testing.T) {
	lm, err := NewLifecycleManager(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, lm.State())

	require.NoError(t, lm.Start())
	assert.Equal(t, StateRunning, lm.State())

	status := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, "WAITING_FOR_DEVICES", status.Mode)
	assert.False(t, status.Attached)
	assert.Equal(t, "sqlite", status.Journal)
	assert.Zero(t, status.QueueDepth)

	require.NotNil(t, lm.Journal())
	records, err := lm.Journal().List(context.Background(), storage.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, lm.Shutdown(ctx))
	assert.Equal(t, StateStopped, lm.State())

	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	// A second call is a no-op.
	assert.NoError(t, lm.Shutdown(ctx))
}

func TestLifecycleManager_WithoutJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Driver = ""
	cfg.Metrics.Enabled = false

	lm, err := NewLifecycleManager(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Nil(t, lm.Journal())
	assert.Equal(t, "disabled", lm.GetCurrentStatus().Journal)

	// Shutdown works without Start, as for one-shot commands.
	require.NoError(t, lm.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, lm.State())
}
