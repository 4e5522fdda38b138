// Package contract parses and validates market symbols.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind is the market type a symbol names.
type Kind string

const (
	Perp Kind = "perp"
	Spot Kind = "spot"
)

// PerpSuffix marks a perpetual market symbol.
const PerpSuffix = "-PERP"

// symbolRegex matches: {BASE} or {BASE}-PERP, where BASE is 2-10 upper-case
// letters or digits starting with a letter.
// Example: SOL-PERP, USDC
var symbolRegex = regexp.MustCompile(`^([A-Z][A-Z0-9]{1,9})(-PERP)?$`)

var (
	ErrInvalidSymbol = errors.New("contract: invalid symbol format")
	ErrWrongKind     = errors.New("contract: wrong market kind")
)

// Symbol is a parsed market symbol.
type Symbol struct {
	Raw  string `json:"symbol"`
	Base string `json:"base"`
	Kind Kind   `json:"kind"`
}

// ParseSymbol parses a perp symbol ({BASE}-PERP) or a bare spot symbol
// ({BASE}). Input is case-insensitive; Raw is upper-cased.
func ParseSymbol(s string) (Symbol, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	matches := symbolRegex.FindStringSubmatch(raw)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE or BASE-PERP)", ErrInvalidSymbol, s)
	}
	kind := Spot
	if matches[2] != "" {
		kind = Perp
	}
	return Symbol{Raw: raw, Base: matches[1], Kind: kind}, nil
}

// ParsePerpSymbol is ParseSymbol restricted to perp markets.
func ParsePerpSymbol(s string) (Symbol, error) {
	return parseKind(s, Perp)
}

// ParseSpotSymbol is ParseSymbol restricted to spot markets.
func ParseSpotSymbol(s string) (Symbol, error) {
	return parseKind(s, Spot)
}

func parseKind(s string, want Kind) (Symbol, error) {
	sym, err := ParseSymbol(s)
	if err != nil {
		return Symbol{}, err
	}
	if sym.Kind != want {
		return Symbol{}, fmt.Errorf("%w: %s is a %s symbol", ErrWrongKind, sym.Raw, sym.Kind)
	}
	return sym, nil
}

// PerpOf returns the perp symbol on base, e.g. SOL-PERP for SOL.
func PerpOf(base string) string { return strings.ToUpper(base) + PerpSuffix }
