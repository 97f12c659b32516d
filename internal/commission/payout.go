// Package commission computes seller payout fees and fronts the commission
// backend's payout endpoints. The backend keeps no client-side state; only
// the fee math lives here.
package commission

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/transport"
)

// Config sets the per-instance fee rate and payout floor.
type Config struct {
	// FeeRate is the fraction withheld from each payout, 0.0 to 1.0.
	FeeRate float64
	// MinimumPayout is the smallest gross amount a seller may request.
	MinimumPayout float64
}

// ErrBelowMinimum is returned when the requested amount is under the
// payout floor.
var ErrBelowMinimum = provider.NewError(provider.CodeAPIError, "requested amount is below the minimum payout")

// Payout is the breakdown of one payout request.
type Payout struct {
	Requested float64 `json:"requested"`
	Fee       float64 `json:"fee"`
	Net       float64 `json:"net"`
}

// CalculatePayout applies the fee to a requested amount. The minimum
// threshold is checked against the gross requested amount, before the fee
// is deducted.
func CalculatePayout(cfg Config, requested float64) (Payout, error) {
	if requested <= 0 {
		return Payout{}, fmt.Errorf("requested amount must be positive, got %v", requested)
	}
	if cfg.FeeRate < 0 || cfg.FeeRate >= 1 {
		return Payout{}, fmt.Errorf("fee rate must be in [0, 1), got %v", cfg.FeeRate)
	}
	if requested < cfg.MinimumPayout {
		return Payout{}, ErrBelowMinimum
	}

	fee := roundCents(requested * cfg.FeeRate)
	return Payout{
		Requested: requested,
		Fee:       fee,
		Net:       roundCents(requested - fee),
	}, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// Service fronts the commission backend.
type Service struct {
	cfg    Config
	client *transport.Client
}

// NewService creates the service.
func NewService(cfg Config, client *transport.Client) *Service {
	return &Service{cfg: cfg, client: client}
}

// Balance returns the seller's available commission balance.
func (s *Service) Balance(ctx context.Context) (float64, error) {
	resp, err := s.client.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "commission/balance",
	})
	if err != nil {
		return 0, err
	}
	data, err := transport.Unwrap(resp)
	if err != nil {
		return 0, err
	}

	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("parse balance: %w", err)
	}
	return out.Balance, nil
}

// RequestPayout validates the amount locally, then submits the payout with
// its fee breakdown. Threshold violations never reach the backend.
func (s *Service) RequestPayout(ctx context.Context, requested float64) (Payout, error) {
	payout, err := CalculatePayout(s.cfg, requested)
	if err != nil {
		return Payout{}, err
	}

	body, err := json.Marshal(payout)
	if err != nil {
		return Payout{}, fmt.Errorf("marshal payout: %w", err)
	}
	resp, err := s.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "commission/payouts",
		Body:   body,
	})
	if err != nil {
		return Payout{}, err
	}
	if _, err := transport.Unwrap(resp); err != nil {
		return Payout{}, err
	}
	return payout, nil
}
