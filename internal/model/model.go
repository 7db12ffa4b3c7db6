// Package model defines the core domain types shared across the engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChannelState is the lifecycle state of a game channel.
type ChannelState string

const (
	// StateOpen accepts joins and ready checks.
	StateOpen ChannelState = "OPEN"
	// StateRunning means a round is active: ticks flow, joins are disabled.
	StateRunning ChannelState = "RUNNING"
	// StateSettling means the terminal tick has been applied and
	// liquidation is in progress.
	StateSettling ChannelState = "SETTLING"
	// StateClosed means the channel has been removed from the store.
	StateClosed ChannelState = "CLOSED"
)

// ReadyType is a member's readiness flag. It is only meaningful for
// non-host members; the host's readiness is never polled.
type ReadyType string

const (
	Ready       ReadyType = "READY"
	ReadyCancel ReadyType = "CANCEL"
)

// Position is a member's holding in one company during a round.
// Quantity is never negative: the settlement path assumes no shorts.
type Position struct {
	CompanyID int64           `json:"company_id"`
	Quantity  int64           `json:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price"` // running cost basis per share
}

// User is per-channel participant state, distinct from the external
// profile/account record.
type User struct {
	ID          int64               `json:"id"`
	Name        string              `json:"name"`
	SeedMoney   decimal.Decimal     `json:"seed_money"`
	InitialSeed decimal.Decimal     `json:"initial_seed"` // balance at join; profit baseline
	Ready       ReadyType           `json:"ready"`
	Stocks      map[int64]*Position `json:"stocks"`
}

// NewUser creates a channel member with the given seed money (the point
// balance fetched at join time). Members start as CANCEL.
func NewUser(id int64, name string, seed decimal.Decimal) *User {
	return &User{
		ID:          id,
		Name:        name,
		SeedMoney:   seed,
		InitialSeed: seed,
		Ready:       ReadyCancel,
		Stocks:      make(map[int64]*Position),
	}
}

// Channel is a game lobby/session: membership, fee, host, round state.
// Channels are mutated only through full read-modify-write cycles against
// the channel store; no field-level update is assumed safe.
type Channel struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Num       int64           `json:"num"` // process-wide monotonic sequence
	Limit     int             `json:"limit"`
	EntryFee  decimal.Decimal `json:"entry_fee"`
	HostID    int64           `json:"host_id"`
	HostName  string          `json:"host_name"`
	State     ChannelState    `json:"state"`
	Members   map[int64]*User `json:"members"`
	CreatedAt time.Time       `json:"created_at"`
}

// Member returns the member with the given user id, or nil.
func (c *Channel) Member(userID int64) *User {
	return c.Members[userID]
}

// MemberIDs returns the ids of all current members.
func (c *Channel) MemberIDs() []int64 {
	ids := make([]int64, 0, len(c.Members))
	for id := range c.Members {
		ids = append(ids, id)
	}
	return ids
}

// AllReady reports whether every non-host member is READY. The host never
// blocks the readiness gate. An empty channel is trivially ready.
func (c *Channel) AllReady() bool {
	for id, u := range c.Members {
		if id == c.HostID {
			continue
		}
		if u.Ready != Ready {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate shared state outside a read-modify-write cycle.
func (c *Channel) Clone() *Channel {
	cp := *c
	cp.Members = make(map[int64]*User, len(c.Members))
	for id, u := range c.Members {
		uc := *u
		uc.Stocks = make(map[int64]*Position, len(u.Stocks))
		for cid, p := range u.Stocks {
			pc := *p
			uc.Stocks[cid] = &pc
		}
		cp.Members[id] = &uc
	}
	return &cp
}

// GameResult is one member's final standing after settlement.
// Result lists are ordered by descending ProfitRate; ties break by
// ascending user id so the ordering is deterministic.
type GameResult struct {
	UserID     int64           `json:"user_id"`
	UserName   string          `json:"user_name"`
	Profit     decimal.Decimal `json:"user_profit"`
	ProfitRate decimal.Decimal `json:"user_profit_rate"` // percent of initial seed
}

// StockResult is per-company round metadata included in the round-end
// broadcast.
type StockResult struct {
	CompanyID int64  `json:"company_id"`
	StockName string `json:"stock_name"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Message   string `json:"message"`
}

// Tick is one price observation for one company from the external feed.
type Tick struct {
	CompanyID int64           `json:"company_id"`
	StockName string          `json:"stock_name"`
	Date      string          `json:"date"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}
