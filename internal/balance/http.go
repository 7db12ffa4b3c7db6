package balance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPGateway talks to the profile service over HTTP.
//
//	GET  {base}/point?userId={id}        → {"userPoint": <number|string>}
//	POST {base}/point/{id}/deduct        ← {"fee": <string>}
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway creates a gateway against the given base URL. Every call
// is bounded by the given timeout so no registry operation blocks
// indefinitely on the remote service.
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// pointPayload accepts both {"userPoint": 120.5} and {"userPoint": "120.5"};
// decimal handles either encoding.
type pointPayload struct {
	UserPoint decimal.Decimal `json:"userPoint"`
}

func (g *HTTPGateway) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	u := g.baseURL + "/point?userId=" + url.QueryEscape(strconv.FormatInt(userID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: balance read for user %d returned %d", ErrUnavailable, userID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var payload pointPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("%w: malformed balance payload: %v", ErrUnavailable, err)
	}
	return payload.UserPoint, nil
}

func (g *HTTPGateway) DeductFee(ctx context.Context, userIDs []int64, fee decimal.Decimal) (DeductionReport, error) {
	report := DeductionReport{Failed: make(map[int64]error)}

	for _, id := range userIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := g.deductOne(ctx, id, fee); err != nil {
			report.Failed[id] = err
			slog.Warn("fee deduction failed", "user", id, "err", err)
			continue
		}
		report.Deducted = append(report.Deducted, id)
	}
	return report, nil
}

func (g *HTTPGateway) deductOne(ctx context.Context, userID int64, fee decimal.Decimal) error {
	body, err := json.Marshal(map[string]string{"fee": fee.String()})
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/point/%d/deduct", g.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: deduction returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
