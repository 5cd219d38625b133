// Package parser parses backtester container output into job and backtest
// results.
package parser

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
)

// MaxLogSize is the maximum size of compressed logs to store (1MB).
const MaxLogSize = 1024 * 1024

// resultPrefix marks one machine-readable backtest result line.
const resultPrefix = "RESULT "

// ErrNoSummary is returned when the output carries no job summary.
var ErrNoSummary = errors.New("no result summary in output")

// BacktestResult is the outcome of one backtest reported by a batch run.
type BacktestResult struct {
	TaskID  string  `json:"task_id"`
	Fitness float64 `json:"fitness"`
	Error   string  `json:"error,omitempty"`
}

// Parser parses backtester output into structured results.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a new Parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// ParseJobResult parses the summary table printed at the end of a whole-job
// run.
func (p *Parser) ParseJobResult(logs string, job *domain.Job) (*domain.JobResult, error) {
	if err := p.checkForErrors(logs); err != nil {
		return nil, err
	}

	summary, err := p.parseSummary(logs)
	if err != nil {
		return nil, err
	}

	result := &domain.JobResult{
		BestFitness:     summary.BestFitness,
		AverageFitness:  summary.AverageFitness,
		BacktestsRun:    summary.Backtests,
		GoodBacktests:   summary.GoodBacktests,
		PartialCoverage: summary.PartialCoverage,
		BestParameters:  summary.BestParameters,
	}
	if err := ValidateResult(result); err != nil {
		return nil, err
	}

	p.logger.Debug("Parsed job result",
		zap.String("job_id", job.ID),
		zap.Float64("best_fitness", result.BestFitness),
		zap.Int("backtests", result.BacktestsRun),
	)
	return result, nil
}

// ParseBacktestResults extracts the per-backtest result lines of a batch run.
// Malformed lines are skipped with a warning.
func (p *Parser) ParseBacktestResults(logs string) ([]BacktestResult, error) {
	var results []BacktestResult

	scanner := bufio.NewScanner(strings.NewReader(logs))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLogSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, resultPrefix) {
			continue
		}
		var r BacktestResult
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, resultPrefix)), &r); err != nil || r.TaskID == "" {
			p.logger.Warn("Skipping malformed result line", zap.String("line", truncate(line, 200)))
			continue
		}
		results = append(results, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan output: %w", err)
	}

	if len(results) == 0 {
		if err := p.checkForErrors(logs); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// checkForErrors checks the log output for error indicators.
func (p *Parser) checkForErrors(logs string) error {
	errorPatterns := []string{
		"Error:",
		"CRITICAL:",
		"Exception:",
		"Traceback (most recent call last):",
		"panic:",
		"No data found",
		"Config file not found",
	}

	logsLower := strings.ToLower(logs)
	for _, pattern := range errorPatterns {
		if strings.Contains(logsLower, strings.ToLower(pattern)) {
			return fmt.Errorf("backtest error: %s", extractErrorMessage(logs, pattern))
		}
	}

	return nil
}

// extractErrorMessage extracts the error message from logs.
func extractErrorMessage(logs, pattern string) string {
	idx := strings.Index(strings.ToLower(logs), strings.ToLower(pattern))
	if idx == -1 {
		return "unknown error"
	}

	end := min(idx+len(pattern)+500, len(logs))
	snippet := logs[idx:end]

	if newlineIdx := strings.Index(snippet, "\n"); newlineIdx != -1 {
		snippet = snippet[:newlineIdx]
	}

	return strings.TrimSpace(snippet)
}

// CompressLog compresses the log using gzip.
func (p *Parser) CompressLog(logs string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if _, err := gz.Write([]byte(logs)); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	compressed := buf.Bytes()
	if len(compressed) > MaxLogSize && len(logs) > 100000 {
		p.logger.Warn("Compressed log exceeds size limit, truncating",
			zap.Int("size", len(compressed)),
			zap.Int("limit", MaxLogSize),
		)
		return p.CompressLog(logs[:50000] + "\n... [truncated] ...\n" + logs[len(logs)-50000:])
	}

	return compressed, nil
}

// DecompressLog decompresses a gzip-compressed log.
func DecompressLog(compressed []byte) (string, error) {
	if len(compressed) == 0 {
		return "", nil
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", err
	}
	defer gz.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(gz); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// SummaryStats holds the values of the job summary table.
type SummaryStats struct {
	BestFitness     float64
	AverageFitness  float64
	Backtests       int
	GoodBacktests   int
	PartialCoverage bool
	BestParameters  map[string]any
}

// Summary table patterns
var (
	bestFitnessRe    = regexp.MustCompile(`(?im)^\s*Best\s+fitness\s*[│|]\s*([-\d.eE+]+|NaN)`)
	avgFitnessRe     = regexp.MustCompile(`(?im)^\s*Av(?:erage|g\.?)\s+fitness\s*[│|]\s*([-\d.eE+]+)`)
	backtestsRe      = regexp.MustCompile(`(?im)^\s*Backtests\s*[│|]\s*(\d+)`)
	goodBacktestsRe  = regexp.MustCompile(`(?im)^\s*Good\s+backtests\s*[│|]\s*(\d+)`)
	partialRe        = regexp.MustCompile(`(?im)^\s*Partial\s+coverage\s*[│|]\s*(\w+)`)
	bestParametersRe = regexp.MustCompile(`(?im)^\s*Best\s+param(?:eter)?s\s*[│|]\s*(\{.*\})\s*$`)
)

// parseSummary extracts summary statistics from the output.
func (p *Parser) parseSummary(logs string) (*SummaryStats, error) {
	stats := &SummaryStats{}

	matches := bestFitnessRe.FindStringSubmatch(logs)
	if len(matches) < 2 {
		return nil, ErrNoSummary
	}
	stats.BestFitness, _ = strconv.ParseFloat(matches[1], 64)

	if matches := avgFitnessRe.FindStringSubmatch(logs); len(matches) > 1 {
		stats.AverageFitness, _ = strconv.ParseFloat(matches[1], 64)
	}
	if matches := backtestsRe.FindStringSubmatch(logs); len(matches) > 1 {
		stats.Backtests, _ = strconv.Atoi(matches[1])
	}
	if matches := goodBacktestsRe.FindStringSubmatch(logs); len(matches) > 1 {
		stats.GoodBacktests, _ = strconv.Atoi(matches[1])
	}
	if matches := partialRe.FindStringSubmatch(logs); len(matches) > 1 {
		switch strings.ToLower(matches[1]) {
		case "yes", "true", "1":
			stats.PartialCoverage = true
		}
	}
	if matches := bestParametersRe.FindStringSubmatch(logs); len(matches) > 1 {
		var params map[string]any
		if err := json.Unmarshal([]byte(matches[1]), &params); err != nil {
			p.logger.Warn("Failed to parse best parameters", zap.Error(err))
		} else {
			stats.BestParameters = params
		}
	}

	return stats, nil
}

// ValidateResult performs basic validation on a parsed result.
func ValidateResult(result *domain.JobResult) error {
	if math.IsNaN(result.BestFitness) || math.IsInf(result.BestFitness, 0) {
		return fmt.Errorf("invalid best fitness %v", result.BestFitness)
	}
	if result.BacktestsRun < 0 || result.GoodBacktests < 0 {
		return fmt.Errorf("negative backtest counts")
	}
	if result.GoodBacktests > result.BacktestsRun {
		return fmt.Errorf("inconsistent: %d good of %d backtests", result.GoodBacktests, result.BacktestsRun)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
