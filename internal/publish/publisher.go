// Package publish produces topology-change events (Loc-RIB add/mod/del diffs)
// onto a Kafka topic for downstream consumers such as a kernel route
// installer or a topology dashboard. Recomputed CSPF trees are not
// published.
package publish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/dvpnmesh/dvpnd/internal/metrics"
	"github.com/dvpnmesh/dvpnd/internal/nodeid"
	"github.com/dvpnmesh/dvpnd/internal/rib"
)

type Publisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewPublisher(brokers []string, topic, clientID string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("publish: creating kafka client: %w", err)
	}

	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// locRIBEvent is the wire shape published for each Loc-RIB add/mod/del.
type locRIBEvent struct {
	Kind   string    `json:"kind"`
	NodeID nodeid.ID `json:"node_id"`
	At     int64     `json:"at_unix"`
}

// PublishLocRIBEvent encodes and asynchronously produces a Loc-RIB change.
// Errors surface via the callback franz-go invokes; this layer only counts
// them, since a dropped topology-change notification is not itself fatal to
// the routing plane (the consumer is expected to resync from a snapshot).
func (p *Publisher) PublishLocRIBEvent(ctx context.Context, ev rib.Event, now int64) {
	var id nodeid.ID
	switch ev.Kind {
	case rib.EventAdd, rib.EventMod:
		id = ev.New.ID()
	case rib.EventDel:
		id = ev.Old.ID()
	}

	payload, err := json.Marshal(locRIBEvent{Kind: ev.Kind.String(), NodeID: id, At: now})
	if err != nil {
		p.logger.Error("publish: marshal loc-rib event failed", zap.Error(err))
		metrics.PublishErrorsTotal.WithLabelValues(p.topic).Inc()
		return
	}

	rec := &kgo.Record{Topic: p.topic, Key: id[:], Value: payload}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("publish: produce failed", zap.Error(err))
			metrics.PublishErrorsTotal.WithLabelValues(p.topic).Inc()
		}
	})
}

// Flush blocks until all in-flight produce calls have completed, ctx
// expires, or 5 seconds pass, whichever comes first.
func (p *Publisher) Flush(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.client.Flush(flushCtx)
}

func (p *Publisher) Close() {
	p.client.Close()
}
