package backtest

import (
	"fmt"
	"strings"
)

// SizingPolicy decides how many units to buy or sell at entry.
type SizingPolicy interface {
	Size(entryPrice, bankroll float64) float64
	Name() string
}

// FixedQuantity always trades the same number of units.
type FixedQuantity struct {
	Quantity float64
}

func (f FixedQuantity) Size(entryPrice, bankroll float64) float64 {
	return f.Quantity
}

func (f FixedQuantity) Name() string { return "fixed_quantity" }

// FixedDollar spends the same notional on every entry.
type FixedDollar struct {
	Amount float64
}

func (f FixedDollar) Size(entryPrice, bankroll float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	return f.Amount / entryPrice
}

func (f FixedDollar) Name() string { return "fixed_dollar" }

// PercentOfBankroll spends a share of free bankroll. With DescalingFactor > 0
// the size is blended toward what the starting bankroll would have bought,
// which damps compounding.
type PercentOfBankroll struct {
	Percent          float64
	StartingBankroll float64
	DescalingFactor  float64
}

func (p PercentOfBankroll) Size(entryPrice, bankroll float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	current := p.Percent / 100 * bankroll / entryPrice
	if p.DescalingFactor <= 0 {
		return current
	}
	starting := p.Percent / 100 * p.StartingBankroll / entryPrice
	return starting*p.DescalingFactor + current*(1-p.DescalingFactor)
}

func (p PercentOfBankroll) Name() string { return "percent_of_bankroll" }

// SizingConfig is the configuration form of a sizing policy.
type SizingConfig struct {
	Mode            string  `json:"mode"`
	Quantity        float64 `json:"quantity"`
	Amount          float64 `json:"amount"`
	Percent         float64 `json:"percent"`
	DescalingFactor float64 `json:"descaling_factor"`
}

// DefaultSizingConfig returns 70% of bankroll per entry
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		Mode:     "percent_of_bankroll",
		Quantity: 0.2,
		Amount:   50,
		Percent:  70,
	}
}

// NewSizingPolicy builds the policy named by cfg.Mode.
func NewSizingPolicy(cfg SizingConfig, startingBankroll float64) (SizingPolicy, error) {
	switch strings.ToLower(cfg.Mode) {
	case "fixed_quantity", "quantity":
		if cfg.Quantity <= 0 {
			return nil, fmt.Errorf("fixed_quantity sizing needs a positive quantity, got %v", cfg.Quantity)
		}
		return FixedQuantity{Quantity: cfg.Quantity}, nil
	case "fixed_dollar", "dollar":
		if cfg.Amount <= 0 {
			return nil, fmt.Errorf("fixed_dollar sizing needs a positive amount, got %v", cfg.Amount)
		}
		return FixedDollar{Amount: cfg.Amount}, nil
	case "percent_of_bankroll", "percent", "":
		if cfg.Percent <= 0 || cfg.Percent > 100 {
			return nil, fmt.Errorf("percent_of_bankroll sizing needs a percent in (0, 100], got %v", cfg.Percent)
		}
		if cfg.DescalingFactor < 0 || cfg.DescalingFactor > 1 {
			return nil, fmt.Errorf("descaling factor must be in [0, 1], got %v", cfg.DescalingFactor)
		}
		return PercentOfBankroll{
			Percent:          cfg.Percent,
			StartingBankroll: startingBankroll,
			DescalingFactor:  cfg.DescalingFactor,
		}, nil
	}
	return nil, fmt.Errorf("unknown sizing mode %q", cfg.Mode)
}
