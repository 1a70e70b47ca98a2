// Package report summarizes pipeline health from the validation audit log
// and flow run checkpoints: daily quality reports, trend series, and
// anomaly flags.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/flow"
)

// Anomaly thresholds. Overall and per-schema failure rates are percentages;
// the volume spike compares against a trailing daily mean.
const (
	overallFailurePct  = 5.0
	schemaFailurePct   = 10.0
	volumeSpikeFactor  = 2.0
	trailingWindowDays = 7
)

// auditLine mirrors one audit_log.jsonl record.
type auditLine struct {
	Timestamp      time.Time `json:"timestamp"`
	Schema         string    `json:"schema"`
	QuarantineFile string    `json:"quarantine_file"`
	FailedRows     int       `json:"failed_rows"`
	TotalRows      int       `json:"total_rows"`
	FailureRate    float64   `json:"failure_rate"`
}

// SchemaStats aggregates one schema's validation outcomes for a day.
type SchemaStats struct {
	Schema      string   `json:"schema"`
	Batches     int      `json:"batches"`
	TotalRows   int      `json:"total_rows"`
	FailedRows  int      `json:"failed_rows"`
	FailureRate float64  `json:"failure_rate"`
	Flags       []string `json:"flags,omitempty"`
}

// RunStats summarizes flow runs that started on the report date.
type RunStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Report is one day's quality summary.
type Report struct {
	Date        string        `json:"date"`
	TotalRows   int           `json:"total_rows"`
	FailedRows  int           `json:"failed_rows"`
	FailureRate float64       `json:"failure_rate"`
	Schemas     []SchemaStats `json:"schemas"`
	Runs        RunStats      `json:"runs"`
	Flags       []string      `json:"flags,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// TrendPoint is one day in a trend series.
type TrendPoint struct {
	Date        string  `json:"date"`
	TotalRows   int     `json:"total_rows"`
	FailedRows  int     `json:"failed_rows"`
	FailureRate float64 `json:"failure_rate"`
}

// TrendSeries covers the trailing window, oldest first.
type TrendSeries struct {
	WindowDays int          `json:"window_days"`
	Points     []TrendPoint `json:"points"`
	Flags      []string     `json:"flags,omitempty"`
}

// Reporter reads the audit log and run checkpoints.
type Reporter struct {
	quarantineDir string
	stateDir      string
	now           func() time.Time
}

func New(quarantineDir, stateDir string) *Reporter {
	return &Reporter{
		quarantineDir: quarantineDir,
		stateDir:      stateDir,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// readAudit loads every parseable audit line. A torn final line from a
// crashed writer is skipped, not fatal.
func (r *Reporter) readAudit() ([]auditLine, error) {
	const op = "report.audit"
	path := filepath.Join(r.quarantineDir, "audit_log.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.IO, op, err)
	}
	defer f.Close()

	var out []auditLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var line auditLine
		if json.Unmarshal(sc.Bytes(), &line) != nil {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	return out, nil
}

func pct(failed, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(failed) / float64(total)
}

// DailyReport aggregates the audit log and run checkpoints for one date.
func (r *Reporter) DailyReport(date time.Time) (*Report, error) {
	lines, err := r.readAudit()
	if err != nil {
		return nil, err
	}
	day := date.UTC().Format("2006-01-02")

	perSchema := map[string]*SchemaStats{}
	dailyTotals := map[string]int{} // date -> rows, for the volume baseline
	rep := &Report{Date: day, GeneratedAt: r.now()}
	for _, l := range lines {
		d := l.Timestamp.UTC().Format("2006-01-02")
		dailyTotals[d] += l.TotalRows
		if d != day {
			continue
		}
		s, ok := perSchema[l.Schema]
		if !ok {
			s = &SchemaStats{Schema: l.Schema}
			perSchema[l.Schema] = s
		}
		s.Batches++
		s.TotalRows += l.TotalRows
		s.FailedRows += l.FailedRows
		rep.TotalRows += l.TotalRows
		rep.FailedRows += l.FailedRows
	}

	for _, s := range perSchema {
		s.FailureRate = pct(s.FailedRows, s.TotalRows)
		if s.FailureRate > schemaFailurePct {
			s.Flags = append(s.Flags, fmt.Sprintf("failure rate %.1f%% above %.0f%%", s.FailureRate, schemaFailurePct))
		}
		rep.Schemas = append(rep.Schemas, *s)
	}
	sort.Slice(rep.Schemas, func(i, j int) bool { return rep.Schemas[i].Schema < rep.Schemas[j].Schema })

	rep.FailureRate = pct(rep.FailedRows, rep.TotalRows)
	if rep.FailureRate > overallFailurePct {
		rep.Flags = append(rep.Flags, fmt.Sprintf("overall failure rate %.1f%% above %.0f%%", rep.FailureRate, overallFailurePct))
	}
	if spike, mean := volumeSpike(dailyTotals, date); spike {
		rep.Flags = append(rep.Flags, fmt.Sprintf("row volume %d above %.0fx trailing mean %.0f",
			rep.TotalRows, volumeSpikeFactor, mean))
	}

	if err := r.runStats(rep, day); err != nil {
		return nil, err
	}
	return rep, nil
}

// volumeSpike compares the date's total rows against the mean of the prior
// trailing window; days with no data do not dilute the mean.
func volumeSpike(dailyTotals map[string]int, date time.Time) (bool, float64) {
	day := date.UTC().Format("2006-01-02")
	today := dailyTotals[day]
	if today == 0 {
		return false, 0
	}
	sum, n := 0, 0
	for i := 1; i <= trailingWindowDays; i++ {
		d := date.AddDate(0, 0, -i).UTC().Format("2006-01-02")
		if v, ok := dailyTotals[d]; ok && v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return false, 0
	}
	mean := float64(sum) / float64(n)
	return float64(today) > volumeSpikeFactor*mean, mean
}

func (r *Reporter) runStats(rep *Report, day string) error {
	checkpoints, err := flow.LoadCheckpoints(r.stateDir)
	if err != nil {
		return err
	}
	for _, cp := range checkpoints {
		if cp.StartedAt.UTC().Format("2006-01-02") != day {
			continue
		}
		rep.Runs.Total++
		switch cp.Status {
		case flow.StatusSuccess:
			rep.Runs.Succeeded++
		case flow.StatusCancelled:
			rep.Runs.Cancelled++
		default:
			rep.Runs.Failed++
		}
	}
	return nil
}

// Trend aggregates per-day totals over the trailing window ending today,
// oldest first. Days without audit activity appear with zero rows.
func (r *Reporter) Trend(windowDays int) (*TrendSeries, error) {
	const op = "report.trend"
	if windowDays < 1 {
		return nil, errs.Newf(errs.Config, op, "trend window must be >= 1, got %d", windowDays)
	}
	lines, err := r.readAudit()
	if err != nil {
		return nil, err
	}

	type agg struct{ total, failed int }
	perDay := map[string]*agg{}
	for _, l := range lines {
		d := l.Timestamp.UTC().Format("2006-01-02")
		a, ok := perDay[d]
		if !ok {
			a = &agg{}
			perDay[d] = a
		}
		a.total += l.TotalRows
		a.failed += l.FailedRows
	}

	series := &TrendSeries{WindowDays: windowDays}
	end := r.now()
	for i := windowDays - 1; i >= 0; i-- {
		d := end.AddDate(0, 0, -i).Format("2006-01-02")
		p := TrendPoint{Date: d}
		if a, ok := perDay[d]; ok {
			p.TotalRows = a.total
			p.FailedRows = a.failed
			p.FailureRate = pct(a.failed, a.total)
		}
		series.Points = append(series.Points, p)
	}

	// flag sustained degradation: second half worse than first by the
	// overall threshold
	half := len(series.Points) / 2
	if half > 0 {
		firstFailed, firstTotal, lastFailed, lastTotal := 0, 0, 0, 0
		for i, p := range series.Points {
			if i < half {
				firstFailed += p.FailedRows
				firstTotal += p.TotalRows
			} else {
				lastFailed += p.FailedRows
				lastTotal += p.TotalRows
			}
		}
		if pct(lastFailed, lastTotal) > pct(firstFailed, firstTotal)+overallFailurePct {
			series.Flags = append(series.Flags, "failure rate rising across window")
		}
	}
	return series, nil
}

// Render formats the report for terminal output.
func (rep *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Data quality report for %s\n", rep.Date)
	fmt.Fprintf(&b, "  rows validated: %d, failed: %d (%.2f%%)\n", rep.TotalRows, rep.FailedRows, rep.FailureRate)
	fmt.Fprintf(&b, "  runs: %d total, %d succeeded, %d failed, %d cancelled\n",
		rep.Runs.Total, rep.Runs.Succeeded, rep.Runs.Failed, rep.Runs.Cancelled)
	for _, s := range rep.Schemas {
		fmt.Fprintf(&b, "  %-24s %8d rows %6d failed (%.2f%%)", s.Schema, s.TotalRows, s.FailedRows, s.FailureRate)
		if len(s.Flags) > 0 {
			fmt.Fprintf(&b, "  !! %s", strings.Join(s.Flags, "; "))
		}
		b.WriteByte('\n')
	}
	for _, f := range rep.Flags {
		fmt.Fprintf(&b, "  ANOMALY: %s\n", f)
	}
	return b.String()
}

// Render formats the trend series for terminal output.
func (ts *TrendSeries) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trend, trailing %d days\n", ts.WindowDays)
	for _, p := range ts.Points {
		fmt.Fprintf(&b, "  %s  %8d rows %6d failed (%.2f%%)\n", p.Date, p.TotalRows, p.FailedRows, p.FailureRate)
	}
	for _, f := range ts.Flags {
		fmt.Fprintf(&b, "  ANOMALY: %s\n", f)
	}
	return b.String()
}
