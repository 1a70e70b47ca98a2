package validate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/errs"
)

// auditRecord is one line of audit_log.jsonl.
type auditRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Schema         string    `json:"schema"`
	QuarantineFile string    `json:"quarantine_file"`
	FailedRows     int       `json:"failed_rows"`
	TotalRows      int       `json:"total_rows"`
	RulesApplied   []string  `json:"rules_applied"`
	FailureRate    float64   `json:"failure_rate"`
}

// quarantineLine is one failing row with the rules it broke.
type quarantineLine struct {
	Row   int            `json:"row"`
	Rules []string       `json:"rules"`
	Data  map[string]any `json:"data"`
}

// quarantineWriter streams failing rows to a temp JSONL file as chunks
// complete, so violation volume never accumulates in memory. The file is
// renamed to <schema>_failures_<ts>.jsonl only on commit; a crash never
// leaves a half-written quarantine file behind.
type quarantineWriter struct {
	dir    string
	final  string
	tmp    *os.File
	w      *bufio.Writer
	enc    *json.Encoder
	failed int // distinct failing rows flushed so far
}

func newQuarantineWriter(dir, schema string, ts time.Time) *quarantineWriter {
	return &quarantineWriter{
		dir:   dir,
		final: filepath.Join(dir, fmt.Sprintf("%s_failures_%s.jsonl", schema, ts.UTC().Format("20060102T150405Z"))),
	}
}

// flush writes one chunk's failing rows, keyed by absolute row index. The
// temp file is created on first use so clean batches leave no trace.
func (qw *quarantineWriter) flush(b *batch.Batch, badRows map[int][]Violation) error {
	const op = "validate.quarantine"
	if len(badRows) == 0 {
		return nil
	}
	if qw.tmp == nil {
		if err := os.MkdirAll(qw.dir, 0o755); err != nil {
			return errs.Wrap(errs.IO, op, err)
		}
		tmp, err := os.CreateTemp(qw.dir, ".tmp-quarantine-*")
		if err != nil {
			return errs.Wrap(errs.IO, op, err)
		}
		qw.tmp = tmp
		qw.w = bufio.NewWriter(tmp)
		qw.enc = json.NewEncoder(qw.w)
	}

	rows := make([]int, 0, len(badRows))
	for r := range badRows {
		rows = append(rows, r)
	}
	sort.Ints(rows)

	for _, r := range rows {
		rules := make([]string, 0, len(badRows[r]))
		seen := make(map[string]bool)
		for _, v := range badRows[r] {
			if !seen[v.Rule] {
				rules = append(rules, v.Rule)
				seen[v.Rule] = true
			}
		}
		if err := qw.enc.Encode(quarantineLine{Row: r, Rules: rules, Data: rowAsMap(b, r)}); err != nil {
			return errs.Wrap(errs.IO, op, err)
		}
	}
	qw.failed += len(rows)
	return nil
}

// commit finalizes the quarantine file and returns its path; empty when
// nothing was flushed.
func (qw *quarantineWriter) commit() (string, error) {
	const op = "validate.quarantine"
	if qw.tmp == nil {
		return "", nil
	}
	if err := qw.w.Flush(); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	if err := qw.tmp.Sync(); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	if err := qw.tmp.Close(); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	if err := os.Rename(qw.tmp.Name(), qw.final); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	qw.tmp = nil
	return qw.final, nil
}

// discard drops a partial temp file on error paths; a no-op after commit.
func (qw *quarantineWriter) discard() {
	if qw.tmp != nil {
		qw.tmp.Close()
		os.Remove(qw.tmp.Name())
		qw.tmp = nil
	}
}

// appendAudit appends one record to audit_log.jsonl. The file is append-only
// and line-buffered; concurrent writers on the same host interleave whole
// lines via O_APPEND.
func appendAudit(dir string, rec auditRecord) error {
	const op = "validate.audit"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit_log.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	return nil
}

// rowAsMap renders one row as a column-name map for quarantine output.
func rowAsMap(b *batch.Batch, row int) map[string]any {
	out := make(map[string]any, len(b.Schema.Columns))
	for i, c := range b.Schema.Columns {
		v := b.Rows[row][i]
		if t, ok := v.(time.Time); ok {
			if c.Kind == batch.KindDate {
				out[c.Name] = t.Format("2006-01-02")
				continue
			}
			out[c.Name] = t.UTC().Format(time.RFC3339)
			continue
		}
		out[c.Name] = v
	}
	return out
}
