package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quantrush/invest-engine/internal/model"
)

func newTestServer(t *testing.T, gw *fakeGateway) (*httptest.Server, *Registry) {
	t.Helper()
	r, _, _ := newTestRegistry(gw)

	router := chi.NewRouter()
	router.Route("/api/v1", func(api chi.Router) {
		NewHandler(r, nil).RegisterRoutes(api)
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, r
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateChannelEndpoint(t *testing.T) {
	gw := &fakeGateway{balances: map[int64]decimal.Decimal{1: decimal.NewFromInt(500)}}
	srv, _ := newTestServer(t, gw)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels", map[string]any{
		"name":      "friday game",
		"limit":     4,
		"entry_fee": "10",
		"host_id":   1,
		"host_name": "host",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var ch model.Channel
	decodeBody(t, resp, &ch)
	if ch.ID == "" || ch.State != model.StateOpen {
		t.Errorf("channel = %+v", ch)
	}
	if !ch.EntryFee.Equal(decimal.NewFromInt(10)) {
		t.Errorf("fee = %s, want 10", ch.EntryFee)
	}
}

func TestCreateChannelEndpointValidation(t *testing.T) {
	gw := &fakeGateway{balances: map[int64]decimal.Decimal{1: decimal.NewFromInt(500)}}
	srv, _ := newTestServer(t, gw)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels", map[string]any{"limit": 4})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEnterChannelEndpointResults(t *testing.T) {
	gw := &fakeGateway{balances: map[int64]decimal.Decimal{
		1: decimal.NewFromInt(500),
		2: decimal.NewFromInt(500),
		3: decimal.NewFromInt(1),
	}}
	srv, r := newTestServer(t, gw)
	ch := seedChannel(t, r, gw, 2, "10")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels/"+ch.ID+"/enter", map[string]any{
		"user_id": 2, "user_name": "u2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body enterChannelResponse
	decodeBody(t, resp, &body)
	if body.Result != EnterSuccess || body.Channel == nil {
		t.Errorf("body = %+v, want SUCCESS with channel", body)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels/"+ch.ID+"/enter", map[string]any{
		"user_id": 3, "user_name": "broke",
	})
	body = enterChannelResponse{}
	decodeBody(t, resp, &body)
	if body.Result != EnterPointLack || body.Channel != nil {
		t.Errorf("body = %+v, want POINTLACK without channel", body)
	}
}

func TestEnterMissingChannelIs404(t *testing.T) {
	gw := &fakeGateway{balances: map[int64]decimal.Decimal{}}
	srv, _ := newTestServer(t, gw)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels/nope/enter", map[string]any{"user_id": 2})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartRoundEndpointConflicts(t *testing.T) {
	gw := &fakeGateway{balances: map[int64]decimal.Decimal{
		1: decimal.NewFromInt(500),
		2: decimal.NewFromInt(500),
	}}
	srv, r := newTestServer(t, gw)
	ch := seedChannel(t, r, gw, 4, "10", 2)

	// Member 2 has not readied up yet.
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels/"+ch.ID+"/start", map[string]any{"user_id": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	// Non-host start is forbidden even when everyone is ready.
	readyAll(t, r, ch, 2)
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels/"+ch.ID+"/start", map[string]any{"user_id": 2})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels/"+ch.ID+"/start", map[string]any{"user_id": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got model.Channel
	decodeBody(t, resp, &got)
	if got.State != model.StateRunning {
		t.Errorf("state = %s, want RUNNING", got.State)
	}
}

func TestOrderEndpoint(t *testing.T) {
	gw := &fakeGateway{balances: map[int64]decimal.Decimal{
		1: decimal.NewFromInt(100),
		2: decimal.NewFromInt(100),
	}}
	srv, r := newTestServer(t, gw)
	ch := startRunning(t, r, gw, 2)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels/"+ch.ID+"/orders", map[string]any{
		"user_id": 2, "company_id": 77, "side": "BUY", "quantity": 2, "price": "5",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Overspending maps to 422.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels/"+ch.ID+"/orders", map[string]any{
		"user_id": 2, "company_id": 77, "side": "BUY", "quantity": 1000, "price": "5",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/channels/"+ch.ID+"/orders", map[string]any{
		"user_id": 2, "company_id": 77, "side": "HOLD",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	got, err := r.GetChannel(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.Member(2).Stocks[77].Quantity != 2 {
		t.Errorf("quantity = %d, want 2", got.Member(2).Stocks[77].Quantity)
	}
}

func TestResultsEndpointWithoutArchive(t *testing.T) {
	gw := &fakeGateway{balances: map[int64]decimal.Decimal{}}
	srv, _ := newTestServer(t, gw)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/results/1", nil)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}
