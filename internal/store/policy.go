package store

import (
	"fmt"
	"strings"
	"time"
)

// Horizon is an eviction horizon: how long an unused entry is retained.
type Horizon time.Duration

// Never retains entries for the life of the process.
const Never Horizon = -1

// ParseHorizon accepts a Go duration or "never".
func ParseHorizon(s string) (Horizon, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "never") {
		return Never, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid horizon %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid horizon %q: must not be negative", s)
	}
	return Horizon(d), nil
}

// UnmarshalText lets horizons be read from configuration.
func (h *Horizon) UnmarshalText(b []byte) error {
	v, err := ParseHorizon(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

func (h Horizon) String() string {
	if h == Never {
		return "never"
	}
	return time.Duration(h).String()
}

// Policy is the freshness and eviction configuration of one source family.
type Policy struct {
	// Freshness is how long a fetched value counts as current.
	Freshness time.Duration
	// Eviction is how long an entry is kept after last use. It is never
	// shorter than Freshness.
	Eviction Horizon
}

// Normalize clamps Eviction so that it never ends before Freshness.
func (p Policy) Normalize() Policy {
	if p.Freshness < 0 {
		p.Freshness = 0
	}
	if p.Eviction != Never && time.Duration(p.Eviction) < p.Freshness {
		p.Eviction = Horizon(p.Freshness)
	}
	return p
}
