package matrix

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/paramsearch/internal/domain"
)

const multiPlanYAML = `
plans:
  - id: ema-majors
    bot: ema_cross
    exchange: binance
    symbols:
      static: [BTCUSDT, ETHUSDT]
    timeframes: [h1, h4]
    date_ranges:
      - name: recent
        start: -3M
    tier: medium
    auto_promote: true
    schedule: "0 2 * * *"
    parameters:
      - key: fast
        min: 5
        max: 20
        integer: true
        max_tests: 4
        optimize: true
      - key: ma_type
        categorical: true
        values: [[sma], [sma, ema]]
        optimize: true
  - id: rsi-alts
    bot: rsi
    exchange: binance
    symbols:
      collection: alts
      limit: 10
    timeframes: [m15]
    date_ranges:
      - name: year
        start: -1Y
`

const singlePlanYAML = `
id: grid-btc
bot: grid
exchange: bybit
symbols:
  static: [BTCUSDT]
timeframes: [d1]
date_ranges:
  - name: all
    start: 2023-01-01
    end: 2024-01-01
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPlans_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "plans.yaml", multiPlanYAML)

	plans, err := LoadPlans(path)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	p := plans[0]
	assert.Equal(t, "ema-majors", p.ID)
	assert.Equal(t, domain.TierMedium, p.Tier)
	assert.True(t, p.AutoPromote)
	assert.Equal(t, "0 2 * * *", p.Schedule)
	require.Len(t, p.Parameters, 2)
	assert.True(t, p.Parameters[0].IsInteger)
	assert.Equal(t, []any{"sma", "ema"}, p.Parameters[1].Values[1])

	assert.Equal(t, "alts", plans[1].Symbols.Collection)
	assert.Equal(t, 10, plans[1].Symbols.Limit)
}

func TestLoadPlans_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", multiPlanYAML)
	writeFile(t, dir, "b.yml", singlePlanYAML)
	writeFile(t, dir, "notes.txt", "ignored")

	plans, err := LoadPlans(dir)
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Equal(t, "grid-btc", plans[2].ID)
}

func TestLoadPlans_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", singlePlanYAML)
	writeFile(t, dir, "b.yaml", singlePlanYAML)

	_, err := LoadPlans(dir)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLoadPlans_Errors(t *testing.T) {
	_, err := LoadPlans(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "id: x\nunknown_field: 1\n")
	_, err = LoadPlans(path)
	assert.Error(t, err)
}
