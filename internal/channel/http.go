package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quantrush/invest-engine/internal/balance"
	"github.com/quantrush/invest-engine/internal/model"
	"github.com/quantrush/invest-engine/internal/store"
)

// Handler exposes the registry over HTTP.
type Handler struct {
	registry *Registry
	archive  store.ResultArchive // optional
}

// NewHandler creates the HTTP handler. archive may be nil when no result
// history backend is configured.
func NewHandler(r *Registry, archive store.ResultArchive) *Handler {
	return &Handler{registry: r, archive: archive}
}

// RegisterRoutes mounts the channel API under the given router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/channels", func(r chi.Router) {
		r.Post("/", h.createChannel)
		r.Get("/", h.listChannels)
		r.Route("/{channelID}", func(r chi.Router) {
			r.Get("/", h.getChannel)
			r.Post("/enter", h.enterChannel)
			r.Post("/exit", h.exitChannel)
			r.Post("/ready", h.setReady)
			r.Post("/cancel", h.cancelReady)
			r.Get("/ready", h.readyState)
			r.Post("/start", h.startRound)
			r.Post("/orders", h.placeOrder)
		})
	})
	r.Get("/results/{userID}", h.resultsByUser)
}

type createChannelRequest struct {
	Name     string          `json:"name"`
	Limit    int             `json:"limit"`
	EntryFee decimal.Decimal `json:"entry_fee"`
	HostID   int64           `json:"host_id"`
	HostName string          `json:"host_name"`
}

func (h *Handler) createChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.HostID == 0 {
		writeError(w, http.StatusBadRequest, "name and host_id are required")
		return
	}

	ch, err := h.registry.CreateChannel(r.Context(), req.Name, req.Limit, req.EntryFee, req.HostID, req.HostName)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.registry.ListChannels(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (h *Handler) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.registry.GetChannel(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type memberRequest struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}

type enterChannelResponse struct {
	Result  EnterResult    `json:"result"`
	Channel *model.Channel `json:"channel,omitempty"`
}

func (h *Handler) enterChannel(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, ch, err := h.registry.EnterChannel(r.Context(), chi.URLParam(r, "channelID"), req.UserID, req.UserName)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := enterChannelResponse{Result: result}
	if result == EnterSuccess {
		resp.Channel = ch
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) exitChannel(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ch, err := h.registry.ExitChannel(r.Context(), chi.URLParam(r, "channelID"), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) setReady(w http.ResponseWriter, r *http.Request) {
	h.toggleReady(w, r, h.registry.SetReady)
}

func (h *Handler) cancelReady(w http.ResponseWriter, r *http.Request) {
	h.toggleReady(w, r, h.registry.CancelReady)
}

func (h *Handler) toggleReady(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, channelID string, userID int64) (*model.Channel, error)) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ch, err := fn(r.Context(), chi.URLParam(r, "channelID"), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) readyState(w http.ResponseWriter, r *http.Request) {
	ready, err := h.registry.CheckReadyState(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"all_ready": ready})
}

func (h *Handler) startRound(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ch, err := h.registry.StartRound(r.Context(), chi.URLParam(r, "channelID"), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type orderRequest struct {
	UserID    int64           `json:"user_id"`
	CompanyID int64           `json:"company_id"`
	Side      string          `json:"side"` // BUY or SELL
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	channelID := chi.URLParam(r, "channelID")
	var ch *model.Channel
	var err error
	switch req.Side {
	case "BUY":
		ch, err = h.registry.BuyStock(r.Context(), channelID, req.UserID, req.CompanyID, req.Quantity, req.Price)
	case "SELL":
		ch, err = h.registry.SellStock(r.Context(), channelID, req.UserID, req.CompanyID, req.Quantity, req.Price)
	default:
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) resultsByUser(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, "result history is not configured")
		return
	}

	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	results, err := h.archive.ListResultsByUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// writeDomainError maps registry errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrChannelNotOpen),
		errors.Is(err, ErrRoundNotRunning),
		errors.Is(err, ErrSettlementInProgress),
		errors.Is(err, ErrNotAllReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotHost), errors.Is(err, ErrNotMember):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrInsufficientSeed),
		errors.Is(err, ErrInsufficientStock):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, balance.ErrUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
