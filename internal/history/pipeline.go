package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"github.com/dvpnmesh/dvpnd/internal/nodeid"
	"github.com/dvpnmesh/dvpnd/internal/rib"
)

// Pipeline batches Loc-RIB events and flushes them to the Writer on a size
// or time trigger, fed by an in-process listener instead of a consumed
// topic.
type Pipeline struct {
	writer        *Writer
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	storeRaw      bool
}

func NewPipeline(writer *Writer, batchSize, flushIntervalMs int, storeRaw bool, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
		storeRaw:      storeRaw,
	}
}

// Listener returns a rib.Listener that feeds events into the pipeline's
// channel. It is registered on a Loc-RIB, so it sees only that Loc-RIB's
// chosen-LSA changes; owner is named in the warning logged when an event
// is dropped (Run records its own owner argument as each row's OwnerID).
func (p *Pipeline) Listener(owner nodeid.ID, events chan<- rib.Event) rib.Listener {
	return func(ev rib.Event) {
		select {
		case events <- ev:
		default:
			p.logger.Warn("dropping history event, channel full", zap.Stringer("owner", owner))
		}
	}
}

// Run drains events until ctx is cancelled or the channel is closed,
// batching by size or by flushInterval, whichever comes first.
func (p *Pipeline) Run(ctx context.Context, owner nodeid.ID, events <-chan rib.Event) {
	var batch []*Row
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := p.writer.FlushBatch(ctx, batch); err != nil {
			p.logger.Error("history batch flush failed", zap.Error(err))
			return
		}
		p.logger.Debug("history batch flushed", zap.Int("rows", len(batch)))
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutdownCtx)
			cancel()
			return

		case ev, ok := <-events:
			if !ok {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				flush(shutdownCtx)
				cancel()
				return
			}
			if row := rowFromEvent(owner, ev, p.storeRaw); row != nil {
				batch = append(batch, row)
			}
			if len(batch) >= p.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

func rowFromEvent(owner nodeid.ID, ev rib.Event, storeRaw bool) *Row {
	var target *lsa.LSA
	switch ev.Kind {
	case rib.EventAdd, rib.EventMod:
		target = ev.New
	case rib.EventDel:
		target = ev.Old
	default:
		return nil
	}
	if target == nil {
		return nil
	}

	row := &Row{NodeID: target.ID(), OwnerID: owner, Kind: ev.Kind}
	if storeRaw {
		row.Raw = lsa.Serialize(target)
	}
	return row
}
