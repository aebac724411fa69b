package detector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadThresholds_EmptyPathIsDefault(t *testing.T) {
	got, err := LoadThresholds("")
	require.NoError(t, err)
	assert.Equal(t, DefaultThresholds(), got)
	assert.NoError(t, got.Validate())
}

func TestLoadThresholds_OverridesOnlyGivenKeys(t *testing.T) {
	path := writeFile(t, `
rapid_orders:
  window: 10m
  max_orders: 5
high_cancel_rate:
  rate: 0.4
`)
	got, err := LoadThresholds(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, got.RapidOrders.Window)
	assert.Equal(t, 5, got.RapidOrders.MaxOrders)
	assert.Equal(t, 0.4, got.CancelRate.Rate)
	assert.Equal(t, 0.5, got.CancelRate.Critical)
	assert.Equal(t, 5, got.CancelRate.MinOrders)
	assert.Equal(t, DefaultThresholds().OrderSpike, got.OrderSpike)
}

func TestLoadThresholds_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "rapid_orders: [\n"},
		{"zero window", "order_spike:\n  window: 0s\n"},
		{"multiplier", "order_spike:\n  multiplier: 1\n"},
		{"inverted rates", "high_cancel_rate:\n  rate: 0.6\n  critical_rate: 0.5\n"},
		{"inverted counts", "repeated_refunds:\n  count: 7\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadThresholds(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadThresholds_MissingFile(t *testing.T) {
	_, err := LoadThresholds(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
