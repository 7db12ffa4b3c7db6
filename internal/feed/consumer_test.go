package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/quantrush/invest-engine/internal/model"
)

type fakeReader struct {
	msgs []kafka.Message
	pos  int
}

func (r *fakeReader) ReadMessage(_ context.Context) (kafka.Message, error) {
	if r.pos >= len(r.msgs) {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[r.pos]
	r.pos++
	return m, nil
}

func (r *fakeReader) Close() error { return nil }

type fakeSink struct {
	mu       sync.Mutex
	running  []string
	received map[string][]model.Tick
}

func (s *fakeSink) RunningChannels(context.Context) ([]string, error) {
	return s.running, nil
}

func (s *fakeSink) OnPriceTick(_ context.Context, channelID string, ticks map[int64]model.Tick) (map[int64]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.received == nil {
		s.received = make(map[string][]model.Tick)
	}
	for _, t := range ticks {
		s.received[channelID] = append(s.received[channelID], t)
	}
	return nil, nil
}

func tickMsg(t *testing.T, tick model.Tick) kafka.Message {
	t.Helper()
	data, err := json.Marshal(tick)
	if err != nil {
		t.Fatalf("marshal tick: %v", err)
	}
	return kafka.Message{Value: data}
}

func TestRunFansTicksOutToRunningChannels(t *testing.T) {
	ticks := []model.Tick{
		{CompanyID: 1, StockName: "ACME", Date: "2024-01-02", Close: decimal.NewFromInt(10)},
		{CompanyID: 2, StockName: "GLOBEX", Date: "2024-01-02", Close: decimal.NewFromInt(20)},
	}
	reader := &fakeReader{msgs: []kafka.Message{tickMsg(t, ticks[0]), tickMsg(t, ticks[1])}}
	sink := &fakeSink{running: []string{"ch-1", "ch-2"}}

	c := NewConsumerWithReader(reader, sink)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range []string{"ch-1", "ch-2"} {
		if got := len(sink.received[id]); got != 2 {
			t.Errorf("channel %s got %d ticks, want 2", id, got)
		}
	}
}

// flakyReader fails the first n reads, then behaves like fakeReader.
type flakyReader struct {
	fakeReader
	failures int
}

func (r *flakyReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if r.failures > 0 {
		r.failures--
		return kafka.Message{}, errors.New("broker connection reset")
	}
	return r.fakeReader.ReadMessage(ctx)
}

func TestRunRetriesTransientReadErrors(t *testing.T) {
	tick := model.Tick{CompanyID: 1, Close: decimal.NewFromInt(10)}
	reader := &flakyReader{
		fakeReader: fakeReader{msgs: []kafka.Message{tickMsg(t, tick)}},
		failures:   2,
	}
	sink := &fakeSink{running: []string{"ch-1"}}

	c := NewConsumerWithReader(reader, sink)
	c.retryDelay = time.Millisecond
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v after transient errors, want nil", err)
	}
	if got := len(sink.received["ch-1"]); got != 1 {
		t.Errorf("got %d ticks after retries, want 1", got)
	}
}

func TestRunSkipsMalformedMessages(t *testing.T) {
	good := model.Tick{CompanyID: 1, Close: decimal.NewFromInt(10)}
	reader := &fakeReader{msgs: []kafka.Message{
		{Value: []byte("not json")},
		tickMsg(t, good),
	}}
	sink := &fakeSink{running: []string{"ch-1"}}

	c := NewConsumerWithReader(reader, sink)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(sink.received["ch-1"]); got != 1 {
		t.Errorf("got %d ticks, want 1", got)
	}
}

func TestLatestClosesTracksLastObserved(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		tickMsg(t, model.Tick{CompanyID: 1, Date: "2024-01-02", Close: decimal.NewFromInt(10)}),
		tickMsg(t, model.Tick{CompanyID: 1, Date: "2024-01-03", Close: decimal.NewFromInt(12)}),
		tickMsg(t, model.Tick{CompanyID: 2, Date: "2024-01-03", Close: decimal.NewFromInt(5)}),
	}}
	c := NewConsumerWithReader(reader, &fakeSink{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	closes := c.LatestCloses()
	if !closes[1].Equal(decimal.NewFromInt(12)) {
		t.Errorf("close[1] = %s, want 12", closes[1])
	}
	if !closes[2].Equal(decimal.NewFromInt(5)) {
		t.Errorf("close[2] = %s, want 5", closes[2])
	}
}

func TestRoundSummaryCoversObservedCompanies(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		tickMsg(t, model.Tick{CompanyID: 1, StockName: "ACME", Date: "2024-01-02", Close: decimal.NewFromInt(10)}),
		tickMsg(t, model.Tick{CompanyID: 1, StockName: "ACME", Date: "2024-01-05", Close: decimal.NewFromInt(12)}),
	}}
	c := NewConsumerWithReader(reader, &fakeSink{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	summary := c.RoundSummary()
	if len(summary) != 1 {
		t.Fatalf("summary has %d entries, want 1", len(summary))
	}
	got := summary[0]
	if got.StockName != "ACME" || got.StartDate != "2024-01-02" || got.EndDate != "2024-01-05" {
		t.Errorf("summary = %+v", got)
	}
}
