package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/paramsearch/internal/domain"
)

const jobOutput = `loading candles for BTCUSDT h1
searching 500 permutations
==================== SUMMARY ====================
Best fitness      │ 2.35
Average fitness   │ 0.81
Backtests         │ 500
Good backtests    │ 42
Partial coverage  │ yes
Best parameters   │ {"fast": 12, "mode": "long"}
`

func TestParseJobResult(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))

	res, err := p.ParseJobResult(jobOutput, &domain.Job{ID: "j"})
	require.NoError(t, err)

	assert.Equal(t, 2.35, res.BestFitness)
	assert.Equal(t, 0.81, res.AverageFitness)
	assert.Equal(t, 500, res.BacktestsRun)
	assert.Equal(t, 42, res.GoodBacktests)
	assert.True(t, res.PartialCoverage)
	assert.Equal(t, map[string]any{"fast": 12.0, "mode": "long"}, res.BestParameters)
}

func TestParseJobResult_Errors(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))
	job := &domain.Job{ID: "j"}

	_, err := p.ParseJobResult("searching...\ndone\n", job)
	assert.ErrorIs(t, err, ErrNoSummary)

	_, err = p.ParseJobResult("Traceback (most recent call last):\n  boom\n", job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtest error")

	_, err = p.ParseJobResult("Best fitness │ 1\nBacktests │ 2\nGood backtests │ 5\n", job)
	assert.ErrorContains(t, err, "inconsistent")

	_, err = p.ParseJobResult("Best fitness │ NaN\n", job)
	assert.ErrorContains(t, err, "invalid best fitness")
}

func TestParseBacktestResults(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))
	logs := strings.Join([]string{
		"starting batch b-1",
		`RESULT {"task_id":"t-1","fitness":1.5}`,
		`RESULT {"task_id":"t-2","error":"no trades"}`,
		`RESULT {not json`,
		`RESULT {"fitness":3}`,
		"batch finished",
	}, "\n")

	results, err := p.ParseBacktestResults(logs)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, BacktestResult{TaskID: "t-1", Fitness: 1.5}, results[0])
	assert.Equal(t, "no trades", results[1].Error)
}

func TestParseBacktestResults_CrashWithoutResults(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))

	_, err := p.ParseBacktestResults("CRITICAL: market data missing for ETHUSDT\n")
	assert.ErrorContains(t, err, "market data missing")
}

func TestCompressLog_RoundTrip(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))

	compressed, err := p.CompressLog(jobOutput)
	require.NoError(t, err)

	logs, err := DecompressLog(compressed)
	require.NoError(t, err)
	assert.Equal(t, jobOutput, logs)

	empty, err := DecompressLog(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
