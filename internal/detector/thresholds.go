package detector

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds parameterizes the detection rules. The zero value is not
// usable; start from DefaultThresholds.
type Thresholds struct {
	OrderSpike           OrderSpikeThresholds     `yaml:"order_spike"`
	CancelRate           CancelRateThresholds     `yaml:"high_cancel_rate"`
	RapidOrders          RapidOrdersThresholds    `yaml:"rapid_orders"`
	ComplaintRatio       ComplaintRatioThresholds `yaml:"high_complaint_ratio"`
	RepeatedRefunds      RefundThresholds         `yaml:"repeated_refunds"`
	RapidAccountCreation SignupThresholds         `yaml:"rapid_account_creation"`
}

// OrderSpikeThresholds compares the last window against the all-time hourly average.
type OrderSpikeThresholds struct {
	Window     time.Duration `yaml:"window"`
	Multiplier float64       `yaml:"multiplier"`
}

type CancelRateThresholds struct {
	Window    time.Duration `yaml:"window"`
	MinOrders int           `yaml:"min_orders"`
	Rate      float64       `yaml:"rate"`
	Critical  float64       `yaml:"critical_rate"`
}

type RapidOrdersThresholds struct {
	Window    time.Duration `yaml:"window"`
	MaxOrders int           `yaml:"max_orders"`
}

type ComplaintRatioThresholds struct {
	Window    time.Duration `yaml:"window"`
	MinOrders int           `yaml:"min_orders"`
	Ratio     float64       `yaml:"ratio"`
	Critical  float64       `yaml:"critical_ratio"`
}

type RefundThresholds struct {
	Window   time.Duration `yaml:"window"`
	Count    int           `yaml:"count"`
	Critical int           `yaml:"critical_count"`
}

type SignupThresholds struct {
	Window   time.Duration `yaml:"window"`
	Count    int           `yaml:"count"`
	Critical int           `yaml:"critical_count"`
}

// DefaultThresholds returns the production rule parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OrderSpike: OrderSpikeThresholds{
			Window:     time.Hour,
			Multiplier: 3,
		},
		CancelRate: CancelRateThresholds{
			Window:    30 * 24 * time.Hour,
			MinOrders: 5,
			Rate:      0.3,
			Critical:  0.5,
		},
		RapidOrders: RapidOrdersThresholds{
			Window:    5 * time.Minute,
			MaxOrders: 3,
		},
		ComplaintRatio: ComplaintRatioThresholds{
			Window:    30 * 24 * time.Hour,
			MinOrders: 3,
			Ratio:     0.25,
			Critical:  0.5,
		},
		RepeatedRefunds: RefundThresholds{
			Window:   30 * 24 * time.Hour,
			Count:    3,
			Critical: 6,
		},
		RapidAccountCreation: SignupThresholds{
			Window:   time.Hour,
			Count:    5,
			Critical: 10,
		},
	}
}

// LoadThresholds reads a YAML file over the defaults. Keys absent from the
// file keep their default values. An empty path returns the defaults.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("failed to read detector config: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("failed to parse detector config: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// Validate rejects parameters that would make a rule fire on every run or never.
func (t Thresholds) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s.window must be positive", name))
		}
	}
	positive("order_spike", t.OrderSpike.Window)
	positive("high_cancel_rate", t.CancelRate.Window)
	positive("rapid_orders", t.RapidOrders.Window)
	positive("high_complaint_ratio", t.ComplaintRatio.Window)
	positive("repeated_refunds", t.RepeatedRefunds.Window)
	positive("rapid_account_creation", t.RapidAccountCreation.Window)

	if t.OrderSpike.Multiplier <= 1 {
		errs = append(errs, errors.New("order_spike.multiplier must be greater than 1"))
	}
	if t.CancelRate.Rate <= 0 || t.CancelRate.Rate > 1 || t.CancelRate.Critical < t.CancelRate.Rate {
		errs = append(errs, errors.New("high_cancel_rate rates must satisfy 0 < rate <= critical_rate"))
	}
	if t.ComplaintRatio.Ratio <= 0 || t.ComplaintRatio.Critical < t.ComplaintRatio.Ratio {
		errs = append(errs, errors.New("high_complaint_ratio ratios must satisfy 0 < ratio <= critical_ratio"))
	}
	if t.RepeatedRefunds.Count < 1 || t.RepeatedRefunds.Critical < t.RepeatedRefunds.Count {
		errs = append(errs, errors.New("repeated_refunds counts must satisfy 1 <= count <= critical_count"))
	}
	if t.RapidAccountCreation.Count < 1 || t.RapidAccountCreation.Critical < t.RapidAccountCreation.Count {
		errs = append(errs, errors.New("rapid_account_creation counts must satisfy 1 <= count <= critical_count"))
	}
	if t.RapidOrders.MaxOrders < 1 {
		errs = append(errs, errors.New("rapid_orders.max_orders must be at least 1"))
	}
	return errors.Join(errs...)
}
