// Package feed consumes price ticks from Kafka and fans them out to every
// channel with a running round. It also tracks the latest close per
// company, which becomes the closing price set when a round settles.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/quantrush/invest-engine/internal/model"
)

// TickSink receives ticks for channels with an active round. Implemented
// by the channel registry.
type TickSink interface {
	RunningChannels(ctx context.Context) ([]string, error)
	OnPriceTick(ctx context.Context, channelID string, ticks map[int64]model.Tick) (map[int64]decimal.Decimal, error)
}

// Reader is the subset of kafka.Reader the consumer needs.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer drives the tick loop.
type Consumer struct {
	reader     Reader
	sink       TickSink
	retryDelay time.Duration

	mu        sync.RWMutex
	closes    map[int64]decimal.Decimal
	names     map[int64]string
	firstDate map[int64]string
	lastDate  map[int64]string
}

// NewConsumer creates a consumer against a Kafka topic. Each message value
// is one JSON-encoded tick.
func NewConsumer(brokers []string, topic, groupID string, sink TickSink) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return NewConsumerWithReader(r, sink)
}

// NewConsumerWithReader creates a consumer over any Reader.
func NewConsumerWithReader(r Reader, sink TickSink) *Consumer {
	return &Consumer{
		reader:     r,
		sink:       sink,
		retryDelay: time.Second,
		closes:     make(map[int64]decimal.Decimal),
		names:      make(map[int64]string),
		firstDate:  make(map[int64]string),
		lastDate:   make(map[int64]string),
	}
}

// Run consumes ticks until the context is cancelled or the reader closes.
// Transient read errors are logged and retried; the feed going away is
// never fatal to the process.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			slog.Warn("tick read failed, retrying", "err", err)
			select {
			case <-time.After(c.retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		var tick model.Tick
		if err := json.Unmarshal(msg.Value, &tick); err != nil {
			slog.Warn("malformed tick message", "offset", msg.Offset, "err", err)
			continue
		}
		c.apply(ctx, tick)
	}
}

func (c *Consumer) apply(ctx context.Context, tick model.Tick) {
	c.record(tick)

	ids, err := c.sink.RunningChannels(ctx)
	if err != nil {
		slog.Error("listing running channels failed", "err", err)
		return
	}

	ticks := map[int64]model.Tick{tick.CompanyID: tick}
	for _, id := range ids {
		if _, err := c.sink.OnPriceTick(ctx, id, ticks); err != nil {
			slog.Warn("tick delivery failed", "channel", id, "err", err)
		}
	}
}

func (c *Consumer) record(tick model.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes[tick.CompanyID] = tick.Close
	c.names[tick.CompanyID] = tick.StockName
	if _, ok := c.firstDate[tick.CompanyID]; !ok {
		c.firstDate[tick.CompanyID] = tick.Date
	}
	c.lastDate[tick.CompanyID] = tick.Date
}

// LatestCloses returns a copy of the last observed close per company.
func (c *Consumer) LatestCloses() map[int64]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]decimal.Decimal, len(c.closes))
	for id, p := range c.closes {
		out[id] = p
	}
	return out
}

// RoundSummary returns per-company metadata for the round-end broadcast.
func (c *Consumer) RoundSummary() []model.StockResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.StockResult, 0, len(c.names))
	for id, name := range c.names {
		out = append(out, model.StockResult{
			CompanyID: id,
			StockName: name,
			StartDate: c.firstDate[id],
			EndDate:   c.lastDate[id],
		})
	}
	return out
}
