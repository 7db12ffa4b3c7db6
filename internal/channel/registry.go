// Package channel implements the channel lifecycle and game-session state
// machine: membership, the ready/cancel gate, price tick fan-out, and
// end-of-round settlement.
//
// Every mutating operation is serialized per channel id: the registry owns
// one lock per live channel and holds it for the whole read-modify-write
// cycle against the store. Operations on different channels proceed in
// parallel. All monetary values use shopspring/decimal.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantrush/invest-engine/internal/balance"
	"github.com/quantrush/invest-engine/internal/message"
	"github.com/quantrush/invest-engine/internal/metrics"
	"github.com/quantrush/invest-engine/internal/model"
	"github.com/quantrush/invest-engine/internal/store"
)

var (
	// ErrChannelNotOpen is returned for joins and ready toggles against a
	// channel whose round has already started or is settling.
	ErrChannelNotOpen = errors.New("channel: channel is not open")

	// ErrRoundNotRunning is returned for round-only operations outside a
	// running round.
	ErrRoundNotRunning = errors.New("channel: no round running")

	// ErrSettlementInProgress is returned when an operation collides with
	// an in-flight settlement for the same channel.
	ErrSettlementInProgress = errors.New("channel: settlement in progress")

	// ErrNotHost is returned when a non-host member tries to start a round.
	ErrNotHost = errors.New("channel: only the host may start a round")

	// ErrNotAllReady blocks a round start while any non-host member is
	// still CANCEL.
	ErrNotAllReady = errors.New("channel: not every member is ready")

	// ErrNotMember is returned for operations by users outside the channel.
	ErrNotMember = errors.New("channel: user is not a member")

	// ErrInvalidOrder is returned for non-positive quantities or negative
	// prices in buy/sell requests.
	ErrInvalidOrder = errors.New("channel: invalid order")

	// ErrInsufficientSeed is returned when a buy exceeds seed money.
	ErrInsufficientSeed = errors.New("channel: not enough seed money")

	// ErrInsufficientStock is returned when a sell exceeds held quantity.
	ErrInsufficientStock = errors.New("channel: not enough shares held")
)

// EnterResult is the typed outcome of a join attempt. Validation outcomes
// are results, not errors: they are expected and never retried.
type EnterResult string

const (
	EnterSuccess     EnterResult = "SUCCESS"
	EnterPointLack   EnterResult = "POINTLACK"
	EnterFullChannel EnterResult = "FULLCHANNEL"
)

// Broadcaster fans typed messages out to the sockets of a channel, or to
// one user. Delivery is fire-and-forget: the registry never blocks on or
// retries delivery.
type Broadcaster interface {
	Publish(channelID string, msg message.Server)
	PublishTo(userID int64, msg message.Server)
}

// PriceSource supplies the closing prices and per-company summaries used
// when a round timer expires. Implemented by the feed driver.
type PriceSource interface {
	LatestCloses() map[int64]decimal.Decimal
	RoundSummary() []model.StockResult
}

// SettlementGap records a position skipped at settlement because the
// closing price set had no entry for its company. Fail-soft: the rest of
// the settlement proceeds.
type SettlementGap struct {
	UserID    int64
	CompanyID int64
}

// Registry is the channel state machine.
type Registry struct {
	store   store.ChannelStore
	gateway balance.Gateway
	bus     Broadcaster
	archive store.ResultArchive // optional; settlement history
	prices  PriceSource         // optional; closing prices for timed rounds

	roundDuration time.Duration
	seq           atomic.Int64

	mu      sync.Mutex
	entries map[string]*entry
}

// entry guards one channel. settling is flipped before the lock is taken
// so tick handling can skip (not queue behind) an in-flight settlement.
type entry struct {
	mu       sync.Mutex
	settling atomic.Bool
}

// NewRegistry creates the state machine. archive and prices may be nil;
// bus may be nil in tests that do not observe broadcasts.
func NewRegistry(st store.ChannelStore, gw balance.Gateway, bus Broadcaster, archive store.ResultArchive, prices PriceSource, roundDuration time.Duration) *Registry {
	return &Registry{
		store:         st,
		gateway:       gw,
		bus:           bus,
		archive:       archive,
		prices:        prices,
		roundDuration: roundDuration,
		entries:       make(map[string]*entry),
	}
}

// SetPriceSource wires in the closing-price source after construction.
// The feed consumer needs the registry to fan ticks out, so the two are
// built first and linked second, before any round starts.
func (r *Registry) SetPriceSource(p PriceSource) {
	r.prices = p
}

func (r *Registry) entry(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
	}
	return e
}

func (r *Registry) dropEntry(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// loadChannel reads a channel, dropping its lock entry again on unknown
// ids so requests against bogus ids cannot grow the entry map.
func (r *Registry) loadChannel(ctx context.Context, id string) (*model.Channel, error) {
	ch, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrChannelNotFound) {
		r.dropEntry(id)
	}
	return ch, err
}

func (r *Registry) publish(channelID string, msg message.Server) {
	if r.bus == nil {
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(string(msg.MessageKind())).Inc()
	r.bus.Publish(channelID, msg)
}

// CreateChannel opens a new channel with the caller as host. The host's
// point balance is fetched up front and becomes their seed money; a
// gateway failure fails the whole operation.
func (r *Registry) CreateChannel(ctx context.Context, name string, limit int, fee decimal.Decimal, hostID int64, hostName string) (*model.Channel, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: participant limit must be positive", ErrInvalidOrder)
	}
	if fee.IsNegative() {
		return nil, fmt.Errorf("%w: entry fee must not be negative", ErrInvalidOrder)
	}

	bal, err := r.gateway.Balance(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	ch := &model.Channel{
		ID:        uuid.New().String(),
		Name:      name,
		Num:       r.seq.Add(1),
		Limit:     limit,
		EntryFee:  fee,
		HostID:    hostID,
		HostName:  hostName,
		State:     model.StateOpen,
		Members:   map[int64]*model.User{hostID: model.NewUser(hostID, hostName, bal)},
		CreatedAt: time.Now().UTC(),
	}

	if err := r.store.Create(ctx, ch); err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	metrics.ChannelsActive.Inc()
	slog.Info("channel created",
		"channel", ch.ID,
		"num", ch.Num,
		"host", hostID,
		"limit", limit,
		"fee", fee.String(),
	)
	return ch, nil
}

// EnterChannel admits a user to an OPEN channel. Checks run in this exact
// order: balance fetch (hard failure aborts with no mutation), entry-fee
// check, capacity check. Only a SUCCESS outcome mutates the channel.
func (r *Registry) EnterChannel(ctx context.Context, channelID string, userID int64, name string) (EnterResult, *model.Channel, error) {
	e := r.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := r.loadChannel(ctx, channelID)
	if err != nil {
		return "", nil, err
	}
	if ch.State != model.StateOpen {
		return "", nil, ErrChannelNotOpen
	}
	if ch.Member(userID) != nil {
		// Rejoin of a current member is a no-op.
		return EnterSuccess, ch, nil
	}

	bal, err := r.gateway.Balance(ctx, userID)
	if err != nil {
		return "", nil, fmt.Errorf("enter channel %s: %w", channelID, err)
	}

	if bal.LessThan(ch.EntryFee) {
		metrics.JoinsTotal.WithLabelValues(string(EnterPointLack)).Inc()
		return EnterPointLack, ch, nil
	}
	if len(ch.Members) >= ch.Limit {
		metrics.JoinsTotal.WithLabelValues(string(EnterFullChannel)).Inc()
		return EnterFullChannel, ch, nil
	}

	ch.Members[userID] = model.NewUser(userID, name, bal)
	if err := r.store.Update(ctx, ch); err != nil {
		return "", nil, fmt.Errorf("enter channel %s: %w", channelID, err)
	}

	metrics.JoinsTotal.WithLabelValues(string(EnterSuccess)).Inc()
	slog.Info("user entered channel", "channel", channelID, "user", userID)
	r.publish(channelID, message.NewChannelState(ch))
	return EnterSuccess, ch, nil
}

// ExitChannel removes a member. A non-member exit is a no-op that returns
// the unchanged channel. Host departure always closes the channel,
// regardless of round state.
func (r *Registry) ExitChannel(ctx context.Context, channelID string, userID int64) (*model.Channel, error) {
	e := r.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := r.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State == model.StateSettling {
		return ch, ErrSettlementInProgress
	}

	if userID == ch.HostID {
		return r.closeLocked(ctx, ch)
	}

	if ch.Member(userID) == nil {
		return ch, nil
	}

	delete(ch.Members, userID)
	if err := r.store.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("exit channel %s: %w", channelID, err)
	}

	slog.Info("user left channel", "channel", channelID, "user", userID)
	r.publish(channelID, message.NewChannelState(ch))
	return ch, nil
}

// closeLocked destroys a channel. Caller holds the channel lock.
func (r *Registry) closeLocked(ctx context.Context, ch *model.Channel) (*model.Channel, error) {
	ch.State = model.StateClosed
	if err := r.store.Delete(ctx, ch.ID); err != nil {
		return nil, fmt.Errorf("close channel %s: %w", ch.ID, err)
	}
	r.dropEntry(ch.ID)
	metrics.ChannelsActive.Dec()
	slog.Info("channel closed", "channel", ch.ID, "num", ch.Num)
	r.publish(ch.ID, message.NewChannelState(ch))
	return ch, nil
}

// SetReady marks a member READY. Valid only while the channel is OPEN;
// a host toggle is a no-op since the host is excluded from the gate.
func (r *Registry) SetReady(ctx context.Context, channelID string, userID int64) (*model.Channel, error) {
	return r.setReady(ctx, channelID, userID, model.Ready)
}

// CancelReady marks a member CANCEL.
func (r *Registry) CancelReady(ctx context.Context, channelID string, userID int64) (*model.Channel, error) {
	return r.setReady(ctx, channelID, userID, model.ReadyCancel)
}

func (r *Registry) setReady(ctx context.Context, channelID string, userID int64, rt model.ReadyType) (*model.Channel, error) {
	e := r.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := r.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != model.StateOpen {
		return nil, ErrChannelNotOpen
	}
	u := ch.Member(userID)
	if u == nil {
		return nil, ErrNotMember
	}
	if userID == ch.HostID {
		return ch, nil
	}

	u.Ready = rt
	if err := r.store.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("set ready on channel %s: %w", channelID, err)
	}

	r.publish(channelID, message.NewChannelState(ch))
	return ch, nil
}

// CheckReadyState reports whether every non-host member is READY. Pure
// read; the host never blocks the gate.
func (r *Registry) CheckReadyState(ctx context.Context, channelID string) (bool, error) {
	ch, err := r.loadChannel(ctx, channelID)
	if err != nil {
		return false, err
	}
	return ch.AllReady(), nil
}

// StartRound transitions OPEN → RUNNING on the host's request, once every
// non-host member is READY. Entry fees are deducted for all members as a
// best-effort batch: per-user failures are reported in the fee broadcast
// but do not roll back deductions already applied.
func (r *Registry) StartRound(ctx context.Context, channelID string, hostID int64) (*model.Channel, error) {
	e := r.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := r.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != model.StateOpen {
		return nil, ErrChannelNotOpen
	}
	if hostID != ch.HostID {
		return nil, ErrNotHost
	}
	if !ch.AllReady() {
		return nil, ErrNotAllReady
	}

	ids := ch.MemberIDs()
	slices.Sort(ids)
	report, err := r.gateway.DeductFee(ctx, ids, ch.EntryFee)
	if err != nil {
		return nil, fmt.Errorf("start round on channel %s: %w", channelID, err)
	}
	for id, ferr := range report.Failed {
		slog.Warn("entry fee not deducted", "channel", channelID, "user", id, "err", ferr)
	}

	ch.State = model.StateRunning
	if err := r.store.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("start round on channel %s: %w", channelID, err)
	}

	slog.Info("round started", "channel", channelID, "members", len(ch.Members), "fee", ch.EntryFee.String())
	r.publish(channelID, message.FeeDeduction{
		Type:    message.KindFeeDeduction,
		UserIDs: report.Deducted,
		Fee:     ch.EntryFee,
	})
	r.publish(channelID, message.NewChannelState(ch))

	if r.roundDuration > 0 {
		time.AfterFunc(r.roundDuration, func() { r.settleOnTimer(channelID) })
	}
	return ch, nil
}

// settleOnTimer ends a timed round at the latest observed closing prices.
func (r *Registry) settleOnTimer(channelID string) {
	var closes map[int64]decimal.Decimal
	var summary []model.StockResult
	if r.prices != nil {
		closes = r.prices.LatestCloses()
		summary = r.prices.RoundSummary()
	}
	if _, _, err := r.SettleRound(context.Background(), channelID, closes, summary); err != nil {
		slog.Error("timed settlement failed", "channel", channelID, "err", err)
	}
}

// OnPriceTick recomputes each member's mark-to-market view and publishes
// one price message per company. Display only: nothing is persisted and
// the channel state does not change. Ticks are skipped outright while a
// settlement is in progress, and ignored for channels not RUNNING.
func (r *Registry) OnPriceTick(ctx context.Context, channelID string, ticks map[int64]model.Tick) (map[int64]decimal.Decimal, error) {
	e := r.entry(channelID)
	if e.settling.Load() {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := r.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != model.StateRunning {
		return nil, nil
	}

	view := make(map[int64]decimal.Decimal, len(ch.Members))
	for id, u := range ch.Members {
		value := u.SeedMoney
		for cid, p := range u.Stocks {
			t, ok := ticks[cid]
			if !ok || p.Quantity == 0 {
				continue
			}
			value = value.Add(t.Close.Mul(decimal.NewFromInt(p.Quantity)))
		}
		view[id] = value
	}

	companies := make([]int64, 0, len(ticks))
	for cid := range ticks {
		companies = append(companies, cid)
	}
	slices.Sort(companies)
	for _, cid := range companies {
		r.publish(channelID, message.NewStockInfo(ticks[cid]))
	}

	metrics.TicksTotal.Inc()
	return view, nil
}

// BuyStock fills a buy order against the member's seed money during a
// running round, updating the running cost basis.
func (r *Registry) BuyStock(ctx context.Context, channelID string, userID, companyID, qty int64, price decimal.Decimal) (*model.Channel, error) {
	if qty <= 0 || price.IsNegative() {
		return nil, ErrInvalidOrder
	}

	e := r.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := r.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != model.StateRunning {
		return nil, ErrRoundNotRunning
	}
	u := ch.Member(userID)
	if u == nil {
		return nil, ErrNotMember
	}

	cost := price.Mul(decimal.NewFromInt(qty))
	if u.SeedMoney.LessThan(cost) {
		return nil, ErrInsufficientSeed
	}

	u.SeedMoney = u.SeedMoney.Sub(cost)
	p := u.Stocks[companyID]
	if p == nil {
		p = &model.Position{CompanyID: companyID}
		u.Stocks[companyID] = p
	}
	held := decimal.NewFromInt(p.Quantity)
	newQty := decimal.NewFromInt(p.Quantity + qty)
	p.AvgPrice = p.AvgPrice.Mul(held).Add(cost).Div(newQty)
	p.Quantity += qty

	if err := r.store.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("buy on channel %s: %w", channelID, err)
	}
	r.publish(channelID, message.NewChannelState(ch))
	return ch, nil
}

// SellStock fills a sell order against the member's holdings during a
// running round. No shorts: quantity sold must already be held.
func (r *Registry) SellStock(ctx context.Context, channelID string, userID, companyID, qty int64, price decimal.Decimal) (*model.Channel, error) {
	if qty <= 0 || price.IsNegative() {
		return nil, ErrInvalidOrder
	}

	e := r.entry(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := r.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != model.StateRunning {
		return nil, ErrRoundNotRunning
	}
	u := ch.Member(userID)
	if u == nil {
		return nil, ErrNotMember
	}

	p := u.Stocks[companyID]
	if p == nil || p.Quantity < qty {
		return nil, ErrInsufficientStock
	}

	u.SeedMoney = u.SeedMoney.Add(price.Mul(decimal.NewFromInt(qty)))
	p.Quantity -= qty

	if err := r.store.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("sell on channel %s: %w", channelID, err)
	}
	r.publish(channelID, message.NewChannelState(ch))
	return ch, nil
}

// SettleRound liquidates every open position at the provided closing
// prices, persists the settled channel, broadcasts the final standings,
// and removes the channel from the store. A missing closing price skips
// just that position (fail-soft) and is reported as a gap.
func (r *Registry) SettleRound(ctx context.Context, channelID string, closing map[int64]decimal.Decimal, stocks []model.StockResult) ([]model.GameResult, []SettlementGap, error) {
	e := r.entry(channelID)
	if !e.settling.CompareAndSwap(false, true) {
		return nil, nil, ErrSettlementInProgress
	}
	defer e.settling.Store(false)

	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := r.loadChannel(ctx, channelID)
	if err != nil {
		return nil, nil, err
	}
	// A channel found SETTLING is a retry of a settlement whose final
	// delete or broadcast failed. Resuming is safe: liquidated positions
	// hold zero quantity, so the credit loop does nothing twice.
	if ch.State != model.StateRunning && ch.State != model.StateSettling {
		return nil, nil, ErrRoundNotRunning
	}
	ch.State = model.StateSettling

	var gaps []SettlementGap
	for id, u := range ch.Members {
		for cid, p := range u.Stocks {
			if p.Quantity == 0 {
				continue
			}
			price, ok := closing[cid]
			if !ok {
				gaps = append(gaps, SettlementGap{UserID: id, CompanyID: cid})
				metrics.SettlementGaps.Inc()
				slog.Warn("no closing price for held position",
					"channel", channelID, "user", id, "company", cid)
				continue
			}
			u.SeedMoney = u.SeedMoney.Add(price.Mul(decimal.NewFromInt(p.Quantity)))
			p.Quantity = 0
		}
	}

	if err := r.store.Update(ctx, ch); err != nil {
		return nil, nil, fmt.Errorf("settle channel %s: %w", channelID, err)
	}

	results := rankMembers(ch)

	if r.archive != nil {
		if err := r.archive.InsertResults(ctx, channelID, time.Now().UTC(), results); err != nil {
			slog.Error("result archive write failed", "channel", channelID, "err", err)
		}
	}

	r.publish(channelID, message.GameEnd{
		Type:         message.KindGameEnd,
		StockResults: stocks,
		GameResults:  results,
	})

	ch.State = model.StateClosed
	if err := r.store.Delete(ctx, channelID); err != nil {
		return results, gaps, fmt.Errorf("settle channel %s: %w", channelID, err)
	}
	r.dropEntry(channelID)
	metrics.ChannelsActive.Dec()
	metrics.SettlementsTotal.Inc()
	slog.Info("round settled", "channel", channelID, "members", len(ch.Members), "gaps", len(gaps))
	return results, gaps, nil
}

// rankMembers computes final standings ordered by descending profit rate,
// ties broken by ascending user id.
func rankMembers(ch *model.Channel) []model.GameResult {
	hundred := decimal.NewFromInt(100)
	results := make([]model.GameResult, 0, len(ch.Members))
	for _, u := range ch.Members {
		profit := u.SeedMoney.Sub(u.InitialSeed)
		rate := decimal.Zero
		if u.InitialSeed.IsPositive() {
			rate = profit.Div(u.InitialSeed).Mul(hundred).Round(4)
		}
		results = append(results, model.GameResult{
			UserID:     u.ID,
			UserName:   u.Name,
			Profit:     profit,
			ProfitRate: rate,
		})
	}
	slices.SortFunc(results, func(a, b model.GameResult) int {
		if c := b.ProfitRate.Cmp(a.ProfitRate); c != 0 {
			return c
		}
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		default:
			return 0
		}
	})
	return results
}

// GetChannel returns one channel by id.
func (r *Registry) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	return r.store.Get(ctx, channelID)
}

// ListChannels returns all channels.
func (r *Registry) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	return r.store.List(ctx)
}

// RunningChannels returns the ids of channels with an active round; the
// feed driver fans ticks out to these.
func (r *Registry) RunningChannels(ctx context.Context) ([]string, error) {
	channels, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, ch := range channels {
		if ch.State == model.StateRunning {
			ids = append(ids, ch.ID)
		}
	}
	return ids, nil
}
