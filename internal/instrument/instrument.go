// Package instrument handles perpetual ticker parsing and the catalog of
// tracked macroeconomic indices.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
)

// Supported underlying macro indices.
const (
	IndexCPI     = "CPI"
	IndexHousing = "HOUSING"
	IndexGDP     = "GDP"
)

// tickerRegex matches: IM-{INDEX}-PERP
// Example: IM-CPI-PERP
var tickerRegex = regexp.MustCompile(`^IM-([A-Z]+)-PERP$`)

var (
	ErrInvalidTicker = errors.New("instrument: invalid ticker format")
	ErrUnknownIndex  = errors.New("instrument: unknown underlying index")
)

// Instrument describes one tracked perpetual market.
type Instrument struct {
	Ticker      string `json:"ticker"`
	Index       string `json:"index"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// catalog holds the indices the protocol currently tracks.
var catalog = map[string]Instrument{
	IndexCPI: {
		Ticker:      "IM-CPI-PERP",
		Index:       IndexCPI,
		Name:        "Inflation",
		Description: "U.S. Consumer Price Index",
	},
	IndexHousing: {
		Ticker:      "IM-HOUSING-PERP",
		Index:       IndexHousing,
		Name:        "Housing",
		Description: "S&P Case-Shiller National Index",
	},
	IndexGDP: {
		Ticker:      "IM-GDP-PERP",
		Index:       IndexGDP,
		Name:        "GDP Growth",
		Description: "Real GDP Growth Rate",
	},
}

// ParseTicker parses and validates a perp ticker string.
// Format: IM-{INDEX}-PERP
func ParseTicker(ticker string) (*Instrument, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected IM-{INDEX}-PERP)", ErrInvalidTicker, ticker)
	}

	inst, ok := catalog[matches[1]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, matches[1])
	}
	return &inst, nil
}

// All returns the tracked instruments in a stable order.
func All() []Instrument {
	return []Instrument{
		catalog[IndexCPI],
		catalog[IndexHousing],
		catalog[IndexGDP],
	}
}

// Valid reports whether ticker names a tracked instrument.
func Valid(ticker string) bool {
	_, err := ParseTicker(ticker)
	return err == nil
}
