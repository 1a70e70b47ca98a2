// Package warehouse loads canonical batches into ClickHouse over the
// native protocol. Loads are idempotent via filesystem markers and verify
// row counts after the fact; the warehouse never sees an UPDATE.
package warehouse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/config"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/lake"
)

// inserter is the slice of the native connection the loader needs; the
// test suite substitutes a fake.
type inserter interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryRow(ctx context.Context, query string, args ...any) row
	PrepareBatch(ctx context.Context, query string) (appender, error)
	Close() error
}

type row interface {
	Scan(dest ...any) error
}

type appender interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

// chConn adapts the native driver connection onto the narrow interfaces.
type chConn struct {
	conn driver.Conn
}

func (c chConn) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c chConn) QueryRow(ctx context.Context, query string, args ...any) row {
	return c.conn.QueryRow(ctx, query, args...)
}

func (c chConn) PrepareBatch(ctx context.Context, query string) (appender, error) {
	return c.conn.PrepareBatch(ctx, query)
}

func (c chConn) Close() error { return c.conn.Close() }

// Loader owns one warehouse connection plus the marker directory.
type Loader struct {
	conn      inserter
	database  string
	stateDir  string
	chunkRows int
	verify    bool
}

// Options beyond the connection config.
type Options struct {
	StateDir string
	Verify   bool
}

// Open dials ClickHouse and returns a loader.
func Open(cfg config.WarehouseConfig, opts Options) (*Loader, error) {
	const op = "warehouse.open"
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Warehouse, op, err)
	}
	return newLoader(chConn{conn: conn}, cfg, opts), nil
}

func newLoader(conn inserter, cfg config.WarehouseConfig, opts Options) *Loader {
	chunk := cfg.ChunkRows
	if chunk <= 0 {
		chunk = 100_000
	}
	return &Loader{
		conn:      conn,
		database:  cfg.Database,
		stateDir:  opts.StateDir,
		chunkRows: chunk,
		verify:    opts.Verify,
	}
}

func (l *Loader) Close() error { return l.conn.Close() }

// Ping verifies connectivity; failures are retryable network-class errors.
func (l *Loader) Ping(ctx context.Context) error {
	const op = "warehouse.ping"
	var one uint8
	if err := l.conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return errs.Wrap(errs.Warehouse, op, err)
	}
	return nil
}

// EnsureSchema creates every dataset table if absent.
func (l *Loader) EnsureSchema(ctx context.Context) error {
	const op = "warehouse.ddl"
	for _, ds := range dataset.All() {
		ddl, err := tableDDL(l.database, ds)
		if err != nil {
			return errs.Wrap(errs.Schema, op, err)
		}
		if err := l.conn.Exec(ctx, ddl); err != nil {
			return errs.Wrap(errs.Warehouse, op, err)
		}
	}
	return nil
}

// LoadResult reports one load.
type LoadResult struct {
	Table     string
	Rows      int
	Chunks    int
	Skipped   bool // idempotency marker hit
	Partition string
}

// LoadBatch inserts a batch into the dataset's table in chunks. A marker
// derived from the source content hash makes re-loads no-ops unless force
// is set.
func (l *Loader) LoadBatch(ctx context.Context, b *batch.Batch, ds dataset.Dataset, sourceHash string, force bool) (*LoadResult, error) {
	const op = "warehouse.load"
	res := &LoadResult{Table: ds.Table}
	if b == nil || b.Len() == 0 {
		return res, nil
	}
	res.Partition = markerPartition(ds, b)

	marker := l.markerPath(ds.Table, res.Partition, sourceHash)
	if marker != "" && !force {
		if _, err := os.Stat(marker); err == nil {
			log.Info().Str("table", ds.Table).Str("partition", res.Partition).
				Str("source_hash", sourceHash).Msg("load marker present, skipping")
			res.Skipped = true
			return res, nil
		}
	}

	query := insertQuery(l.database, ds, b.Schema)
	for _, chunk := range b.Chunks(l.chunkRows) {
		if err := ctx.Err(); err != nil {
			return res, errs.Wrap(errs.Cancelled, op, err)
		}
		pb, err := l.conn.PrepareBatch(ctx, query)
		if err != nil {
			return res, errs.Wrap(errs.Warehouse, op, err)
		}
		for r := 0; r < chunk.Len(); r++ {
			if err := pb.Append(chValues(chunk, r)...); err != nil {
				pb.Abort()
				return res, errs.Wrap(errs.Schema, op, err).MarkFatal()
			}
		}
		if err := pb.Send(); err != nil {
			return res, errs.Wrap(errs.Warehouse, op, err)
		}
		res.Chunks++
		res.Rows += chunk.Len()
	}

	if l.verify {
		if err := l.verifyLoad(ctx, ds, b); err != nil {
			return res, err
		}
	}

	if marker != "" {
		if err := writeMarker(marker); err != nil {
			return res, err
		}
	}
	log.Info().Str("table", ds.Table).Int("rows", res.Rows).Int("chunks", res.Chunks).
		Str("partition", res.Partition).Msg("warehouse load complete")
	return res, nil
}

// LoadFile replays one lake part file into the warehouse.
func (l *Loader) LoadFile(ctx context.Context, path string, ds dataset.Dataset, force bool) (*LoadResult, error) {
	const op = "warehouse.load_file"
	schema, err := lake.BodySchema(ds)
	if err != nil {
		return nil, errs.Wrap(errs.Schema, op, err)
	}
	b, err := lake.ReadFile(ctx, path, schema)
	if err != nil {
		return nil, err
	}
	b, err = expandPartitionColumns(b, ds, partValuesFromPath(path))
	if err != nil {
		return nil, errs.Wrap(errs.Schema, op, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	sum := sha256.Sum256(raw)
	return l.LoadBatch(ctx, b, ds, hex.EncodeToString(sum[:8]), force)
}

// verifyLoad compares distinct event ids in the loaded partition against
// the source batch. A shortfall means rows were silently dropped; that is
// never retryable because a retry would mask the loss.
func (l *Loader) verifyLoad(ctx context.Context, ds dataset.Dataset, b *batch.Batch) error {
	const op = "warehouse.verify"
	pred, args, ok := partitionPredicate(ds, b)
	if !ok {
		return nil
	}
	want := distinctEventIDs(b)
	var got uint64
	query := fmt.Sprintf("SELECT count(DISTINCT event_id) FROM %s.%s WHERE %s",
		l.database, ds.Table, pred)
	if err := l.conn.QueryRow(ctx, query, args...).Scan(&got); err != nil {
		return errs.Wrap(errs.Warehouse, op, err)
	}
	if got < uint64(want) {
		return errs.Newf(errs.LoadMismatch, op,
			"table %s partition check: %d distinct event ids in warehouse, %d in source",
			ds.Table, got, want).MarkFatal()
	}
	return nil
}

func distinctEventIDs(b *batch.Batch) int {
	seen := make(map[string]bool, b.Len())
	for r := 0; r < b.Len(); r++ {
		id, _ := b.StringAt(r, "event_id")
		seen[id] = true
	}
	return len(seen)
}

// markerPath is empty when no state dir is configured (markers disabled).
func (l *Loader) markerPath(table, partition, sourceHash string) string {
	if l.stateDir == "" || sourceHash == "" {
		return ""
	}
	return filepath.Join(l.stateDir, "load_markers", table, partition, sourceHash)
}

func writeMarker(path string) error {
	const op = "warehouse.marker"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	return nil
}

// partValuesFromPath lifts hive key=value segments out of a part path.
func partValuesFromPath(path string) map[string]string {
	out := map[string]string{}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if k, v, ok := strings.Cut(seg, "="); ok {
			out[k] = v
		}
	}
	return out
}

// chValues converts one row to driver argument types. Dates pass as
// time.Time; nils pass through for Nullable columns.
func chValues(b *batch.Batch, row int) []any {
	out := make([]any, len(b.Schema.Columns))
	copy(out, b.Rows[row])
	return out
}
