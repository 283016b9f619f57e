// Package history writes a write-only audit trail of LSA churn (Loc-RIB
// add/modify/delete events) to Postgres. It is never read back to
// reconstruct routing state on startup — the link-state database itself is
// not persisted across restarts.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/dvpnmesh/dvpnd/internal/metrics"
	"github.com/dvpnmesh/dvpnd/internal/nodeid"
	"github.com/dvpnmesh/dvpnd/internal/rib"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("history: zstd encoder init: %v", err))
	}
}

type Writer struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	storeRaw    bool
	compressRaw bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, storeRaw, compressRaw bool) *Writer {
	return &Writer{pool: pool, logger: logger, storeRaw: storeRaw, compressRaw: compressRaw}
}

// Row is one audit entry derived from a rib.Event.
type Row struct {
	NodeID  nodeid.ID
	OwnerID nodeid.ID
	Kind    rib.EventKind
	Raw     []byte // serialized LSA, nil if StoreRaw is disabled
}

const insertSQL = `
	INSERT INTO lsa_history (node_id, owner_id, event_kind, raw, raw_compressed)
	VALUES ($1, $2, $3, $4, $5)`

// FlushBatch writes a batch of rows in one transaction.
func (w *Writer) FlushBatch(ctx context.Context, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, row := range rows {
		var raw []byte
		compressed := false
		if w.storeRaw && row.Raw != nil {
			if w.compressRaw {
				raw = zstdEncoder.EncodeAll(row.Raw, nil)
				compressed = true
			} else {
				raw = row.Raw
			}
		}
		batch.Queue(insertSQL, row.NodeID[:], row.OwnerID[:], int16(row.Kind), raw, compressed)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert lsa_history[%d]: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.HistoryWriteDuration.WithLabelValues("insert").Observe(time.Since(start).Seconds())
	return nil
}

// PurgeOlderThan deletes audit rows older than the given retention window.
func (w *Writer) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := w.pool.Exec(ctx, `DELETE FROM lsa_history WHERE observed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purging lsa_history: %w", err)
	}
	return tag.RowsAffected(), nil
}
