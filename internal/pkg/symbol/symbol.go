// Package symbol normalizes trading pair identifiers. Config files may carry
// "btc/usdt" or "BTCUSDT"; everything downstream keys off the exchange form
// (upper case, no separator).
package symbol

import "strings"

var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB"}

type Symbol struct {
	Base  string
	Quote string
}

// Exchange returns the exchange wire form, e.g. BTCUSDT.
func (s Symbol) Exchange() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// Parse splits a pair in either "BASE/QUOTE" or concatenated form. Unknown
// quote currencies yield the zero Symbol.
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{Base: strings.TrimSpace(parts[0]), Quote: strings.TrimSpace(parts[1])}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

// Normalize maps any accepted spelling to the exchange form. Returns "" for
// strings that do not parse as a pair.
func Normalize(s string) string {
	return Parse(s).Exchange()
}

// NormalizeList normalizes and deduplicates, dropping unparseable entries.
func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

func IsValid(s string) bool {
	sym := Parse(s)
	return sym.Base != "" && sym.Quote != ""
}

// StreamName is the combined-stream segment for a symbol's aggTrade feed.
func StreamName(s string) string {
	norm := Normalize(s)
	if norm == "" {
		return ""
	}
	return strings.ToLower(norm) + "@aggTrade"
}
