// Package message defines the wire-level contracts pushed to and received
// from connected game clients. Server messages form a tagged variant set:
// each variant carries only its own fields plus a kind tag, and consumers
// switch on the tag.
package message

import (
	"github.com/shopspring/decimal"

	"github.com/quantrush/invest-engine/internal/model"
)

// Kind tags a server-to-client message.
type Kind string

const (
	KindStockInfo    Kind = "STOCK_INFO"
	KindGameEnd      Kind = "GAME_END"
	KindChannelState Kind = "CHANNEL_STATE"
	KindFeeDeduction Kind = "FEE_DEDUCTION"
	KindChat         Kind = "CHAT"
)

// Server is implemented by every server-to-client message variant.
type Server interface {
	MessageKind() Kind
}

// StockInfo carries one company's price tick. One is published per company
// per tick while a round is running.
type StockInfo struct {
	Type      Kind            `json:"type"`
	Date      string          `json:"date"`
	Close     decimal.Decimal `json:"close"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    int64           `json:"volume"`
	CompanyID int64           `json:"company_id"`
}

func (m StockInfo) MessageKind() Kind { return KindStockInfo }

// NewStockInfo builds the price message for one tick.
func NewStockInfo(t model.Tick) StockInfo {
	return StockInfo{
		Type:      KindStockInfo,
		Date:      t.Date,
		Close:     t.Close,
		Open:      t.Open,
		High:      t.High,
		Low:       t.Low,
		Volume:    t.Volume,
		CompanyID: t.CompanyID,
	}
}

// GameEnd announces the end of a round: per-company summaries plus the
// final standings, sorted by descending profit rate.
type GameEnd struct {
	Type         Kind                `json:"type"`
	StockResults []model.StockResult `json:"stock_results"`
	GameResults  []model.GameResult  `json:"game_results"`
}

func (m GameEnd) MessageKind() Kind { return KindGameEnd }

// ChannelState is the membership/readiness snapshot pushed after every
// state change members can observe.
type ChannelState struct {
	Type      Kind                  `json:"type"`
	ChannelID string                `json:"channel_id"`
	State     model.ChannelState    `json:"state"`
	Users     map[int64]*model.User `json:"users"`
}

func (m ChannelState) MessageKind() Kind { return KindChannelState }

// NewChannelState snapshots a channel for broadcast.
func NewChannelState(c *model.Channel) ChannelState {
	return ChannelState{
		Type:      KindChannelState,
		ChannelID: c.ID,
		State:     c.State,
		Users:     c.Members,
	}
}

// FeeDeduction notifies members that a batch entry-fee deduction was
// applied (or attempted) at round start.
type FeeDeduction struct {
	Type    Kind            `json:"type"`
	UserIDs []int64         `json:"user_ids"`
	Fee     decimal.Decimal `json:"fee"`
}

func (m FeeDeduction) MessageKind() Kind { return KindFeeDeduction }

// Chat relays one member's chat line to the channel.
type Chat struct {
	Type       Kind   `json:"type"`
	ChannelID  string `json:"channel_id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Body       string `json:"body"`
}

func (m Chat) MessageKind() Kind { return KindChat }

// ClientKind tags a client-to-server command.
type ClientKind string

const (
	ClientJoin   ClientKind = "JOIN"
	ClientLeave  ClientKind = "LEAVE"
	ClientReady  ClientKind = "READY"
	ClientCancel ClientKind = "CANCEL"
	ClientChat   ClientKind = "CHAT"
)

// Client is the typed command a connected socket sends to the server.
type Client struct {
	Type       ClientKind `json:"type"`
	ChannelID  string     `json:"channel_id"`
	SenderID   int64      `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	Body       string     `json:"body,omitempty"`
}
