package domain

import (
	"fmt"
	"strings"
)

type Venue int

const (
	Binance Venue = iota
	OKX
	Luno
)

var venueNames = []string{"Binance", "OKX", "Luno"}

func (v Venue) String() string {
	if v < 0 || int(v) >= len(venueNames) {
		return fmt.Sprintf("Venue(%d)", int(v))
	}
	return venueNames[v]
}

// ParseVenue accepts the display name in any letter case.
func ParseVenue(name string) (Venue, error) {
	for i, n := range venueNames {
		if strings.EqualFold(n, name) {
			return Venue(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVenue, name)
}

func (v Venue) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Venue) UnmarshalText(text []byte) error {
	parsed, err := ParseVenue(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	return []string{"BUY", "SELL"}[s]
}
