package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// latencySummary хранит задержки в миллисекундах.
type latencySummary struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"expected"`
	Failed    int64            `json:"unexpected"`
	ErrorRate float64          `json:"error_rate"`
	Outcomes  map[string]int64 `json:"outcomes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

// report: итог прогона. Сценарий = создание заказа плюс, возможно, повтор.
type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"elapsed_seconds"`
	TotalScenarios    int64                   `json:"scenarios"`
	SuccessScenarios  int64                   `json:"scenarios_ok"`
	FailedScenarios   int64                   `json:"scenarios_failed"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"scenarios_per_second"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"calls"`
}

type tally struct {
	ok, failed int64
	outcomes   map[string]int64
	millis     []float64
}

func (t *tally) toReport() methodReport {
	calls := t.ok + t.failed
	return methodReport{
		Calls:     calls,
		Success:   t.ok,
		Failed:    t.failed,
		ErrorRate: ratio(t.failed, calls),
		Outcomes:  copyCounts(t.outcomes),
		LatencyMs: buildLatencySummary(t.millis),
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// collector потокобезопасно копит результаты вызовов по методам.
type collector struct {
	mu      sync.Mutex
	tallies map[string]*tally
}

func newCollector() *collector {
	return &collector{tallies: make(map[string]*tally)}
}

// record учитывает вызов; ok: совпал ли исход с ожидаемым для метода.
func (c *collector) record(method string, latency time.Duration, outcome string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tallies[method]
	if t == nil {
		t = &tally{outcomes: make(map[string]int64)}
		c.tallies[method] = t
	}
	if ok {
		t.ok++
	} else {
		t.failed++
	}
	t.outcomes[outcome]++
	t.millis = append(t.millis, float64(latency)/float64(time.Millisecond))
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         make(map[string]methodReport, len(c.tallies)),
	}
	for name, t := range c.tallies {
		out.Methods[name] = t.toReport()
	}

	if scenarios, ok := out.Methods[methodScenario]; ok {
		out.TotalScenarios = scenarios.Calls
		out.SuccessScenarios = scenarios.Success
		out.FailedScenarios = scenarios.Failed
		out.ErrorRate = scenarios.ErrorRate
		out.ScenarioLatencyMs = scenarios.LatencyMs
	}
	if elapsed > 0 {
		out.RPS = float64(out.TotalScenarios) / elapsed.Seconds()
	}
	return out
}

// writeJSONReport пишет отчёт в файл внутри текущего каталога.
func writeJSONReport(path string, result report) error {
	target := filepath.Clean(path)
	switch {
	case target == "." || target == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case target == ".." || strings.HasPrefix(target, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(target, append(raw, '\n'), 0o600)
}

func printReport(out io.Writer, result report, cfg config) {
	lat := result.ScenarioLatencyMs
	fmt.Fprintln(out, "Load test summary")
	fmt.Fprintf(out, "server=%s run=%s duplicate_rate=%d%% total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.serverURL, runTarget(cfg), cfg.duplicateRate,
		result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios, result.ErrorRate)
	fmt.Fprintf(out, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Fprintf(out, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max)

	for _, name := range []string{methodCreate, methodReplay} {
		m, ok := result.Methods[name]
		if !ok {
			continue
		}
		fmt.Fprintf(out, "%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, m.Calls, m.Success, m.Failed, m.ErrorRate, m.LatencyMs.P95)
	}
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return "duration:" + cfg.duration.String()
	}
}

func buildLatencySummary(millis []float64) latencySummary {
	n := len(millis)
	if n == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(millis)
	slices.Sort(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}
	return latencySummary{
		Min: sorted[0],
		Avg: total / float64(n),
		P50: quantile(sorted, 0.50),
		P95: quantile(sorted, 0.95),
		P99: quantile(sorted, 0.99),
		Max: sorted[n-1],
	}
}

// quantile интерполирует между соседними элементами отсортированной выборки.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	i := int(pos)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*(pos-float64(i))
}

func ratio(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
