package strategy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validStrategies = `
profiles:
  default:
    symbols: [BTCUSDT, eth/usdt]
    order_size_usd: 1000
    stop_loss_pct: 1.5
    trailing_activation_pct: 1.0
    trailing_delta_pct: 0.5
    max_concurrent_positions: 2
  scalp:
    disabled: true
    symbols: [SOLUSDT]
    order_size_usd: 250
    stop_loss_pct: 0.8
    max_concurrent_positions: 1
    entry_tolerance_pct: 0.25
`

func writeStrategies(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRegistry(t *testing.T) {
	t.Run("Loads Profiles", func(t *testing.T) {
		reg, err := NewRegistry(writeStrategies(t, validStrategies))
		require.NoError(t, err)

		snap := reg.Snapshot()
		assert.EqualValues(t, 1, snap.Version)
		require.Len(t, snap.Profiles, 2)

		def, ok := reg.Profile("default")
		require.True(t, ok)
		assert.Equal(t, "default", def.Name)
		assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, def.Symbols)
		assert.Equal(t, 1000.0, def.OrderSizeUSD)
		assert.Equal(t, 1.5, def.StopLossPct)
		assert.True(t, def.TrailingEnabled())
		assert.True(t, def.Enabled())
		// tolerance falls back when the file omits it
		assert.Equal(t, defaultEntryTolerancePct, def.EntryTolerancePct)

		scalp, ok := reg.Profile("scalp")
		require.True(t, ok)
		assert.False(t, scalp.Enabled())
		assert.False(t, scalp.TrailingEnabled())
		assert.Equal(t, 0.25, scalp.EntryTolerancePct)
	})

	t.Run("Rejects Unknown Keys", func(t *testing.T) {
		_, err := NewRegistry(writeStrategies(t, `
profiles:
  default:
    symbols: [BTCUSDT]
    order_size_usd: 100
    stop_losss_pct: 1.0
    max_concurrent_positions: 1
`))
		require.Error(t, err)
	})

	t.Run("Rejects Out Of Range Values", func(t *testing.T) {
		_, err := NewRegistry(writeStrategies(t, `
profiles:
  default:
    symbols: [BTCUSDT]
    order_size_usd: -5
    stop_loss_pct: 1.0
    max_concurrent_positions: 1
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default")
	})

	t.Run("Trailing Delta Required With Activation", func(t *testing.T) {
		_, err := NewRegistry(writeStrategies(t, `
profiles:
  default:
    symbols: [BTCUSDT]
    order_size_usd: 100
    stop_loss_pct: 1.0
    trailing_activation_pct: 1.0
    max_concurrent_positions: 1
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "trailing_delta_pct")
	})

	t.Run("Rejects Empty Profile Set", func(t *testing.T) {
		_, err := NewRegistry(writeStrategies(t, "profiles: {}\n"))
		require.Error(t, err)
	})

	t.Run("Rejects Unparseable Symbols", func(t *testing.T) {
		_, err := NewRegistry(writeStrategies(t, `
profiles:
  default:
    symbols: ["not a pair"]
    order_size_usd: 100
    stop_loss_pct: 1.0
    max_concurrent_positions: 1
`))
		require.Error(t, err)
	})
}

func TestRegistry_Reload(t *testing.T) {
	path := writeStrategies(t, validStrategies)
	reg, err := NewRegistry(path)
	require.NoError(t, err)

	t.Run("Applies New File Content", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  default:
    symbols: [BTCUSDT]
    order_size_usd: 500
    stop_loss_pct: 2.0
    max_concurrent_positions: 1
`), 0o644))
		require.NoError(t, reg.reload())

		snap := reg.Snapshot()
		assert.EqualValues(t, 2, snap.Version)
		require.Len(t, snap.Profiles, 1)
		assert.Equal(t, 500.0, snap.Profiles["default"].OrderSizeUSD)
	})

	t.Run("Bad Content Keeps Previous Snapshot", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("profiles: {}\n"), 0o644))
		require.Error(t, reg.reload())

		snap := reg.Snapshot()
		assert.EqualValues(t, 2, snap.Version)
		assert.Equal(t, 500.0, snap.Profiles["default"].OrderSizeUSD)
	})
}

func TestRegistry_Update(t *testing.T) {
	reg, err := NewRegistry(writeStrategies(t, validStrategies))
	require.NoError(t, err)

	notified := make(chan Snapshot, 1)
	reg.OnChange(func(s Snapshot) { notified <- s })

	updated, err := reg.Update("default", Profile{
		Symbols:                []string{"BTCUSDT"},
		OrderSizeUSD:           2000,
		StopLossPct:            1.0,
		MaxConcurrentPositions: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 2000.0, updated.OrderSizeUSD)

	select {
	case snap := <-notified:
		assert.EqualValues(t, 2, snap.Version)
		assert.Equal(t, 2000.0, snap.Profiles["default"].OrderSizeUSD)
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not notified")
	}

	_, err = reg.Update("default", Profile{Symbols: []string{"BTCUSDT"}})
	require.Error(t, err)
	assert.EqualValues(t, 2, reg.Snapshot().Version)
}

func TestSnapshot_Accessors(t *testing.T) {
	reg, err := NewRegistry(writeStrategies(t, validStrategies))
	require.NoError(t, err)
	snap := reg.Snapshot()

	t.Run("Active Profiles Skip Disabled", func(t *testing.T) {
		active := snap.ActiveProfiles()
		require.Len(t, active, 1)
		assert.Equal(t, "default", active[0].Name)
	})

	t.Run("Symbols Union Sorted", func(t *testing.T) {
		assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, snap.Symbols())
	})

	t.Run("Watches Symbol", func(t *testing.T) {
		def := snap.ActiveProfiles()[0]
		assert.True(t, def.WatchesSymbol("eth/usdt"))
		assert.False(t, def.WatchesSymbol("SOLUSDT"))
	})

	t.Run("Snapshot Is A Copy", func(t *testing.T) {
		snap.Profiles["default"] = Profile{Name: "mutated"}
		fresh, ok := reg.Profile("default")
		require.True(t, ok)
		assert.Equal(t, "default", fresh.Name)
	})
}
