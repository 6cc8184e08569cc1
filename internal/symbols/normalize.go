// Package symbols tracks the authoritative set of tradable symbols per
// (exchange, market) and normalizes exchange-native symbols to their
// base currency for cross-exchange matching.
package symbols

import (
	"strings"

	"spikewatch/internal/model"
)

// quoteSuffixes are recognized quote currencies, longest first so that
// e.g. FDUSD wins over USD.
var quoteSuffixes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "DAI", "USD"}

// QuoteCurrency returns the lower-case quote currency of an
// exchange-native symbol, or "" if none is recognized.
func QuoteCurrency(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, "_", "") // gate uses BTC_USDT
	s = strings.ReplaceAll(s, "-", "")
	for _, q := range quoteSuffixes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.ToLower(q)
		}
	}
	return ""
}

// Normalize extracts the base currency from an exchange-native symbol.
// It is idempotent: Normalize(Normalize(x)) == Normalize(x).
//
// Hyperliquid symbols may arrive as "BTC", "BTC/USDC" or "@<index>";
// the slash form is reduced to its base and "@<index>" entries are left
// for the driver's spot-meta mapping (see exchange.Hyperliquid), which
// resolves them before they reach this point.
func Normalize(symbol string) string {
	s := strings.ToUpper(symbol)
	if i := strings.IndexByte(s, '/'); i > 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	// Perp suffixes used by a few venues.
	for _, suf := range []string{"PERP", "SWAP"} {
		s = strings.TrimSuffix(s, suf)
	}
	for _, q := range quoteSuffixes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			s = strings.TrimSuffix(s, q)
			break
		}
	}
	// Leveraged-token multipliers (1000PEPE etc.) stay as-is: they are
	// distinct instruments.
	return s
}

// NormalizationStore persists (exchange, market, original) → normalized
// mappings so the HTTP layer can serve them without recomputing.
type NormalizationStore interface {
	PutNormalization(ex model.Exchange, mkt model.Market, original, normalized string) error
}

// RecordNormalization normalizes a symbol and writes the mapping through
// the store. A nil store skips persistence.
func RecordNormalization(st NormalizationStore, ex model.Exchange, mkt model.Market, original string) string {
	n := Normalize(original)
	if st != nil && n != original {
		_ = st.PutNormalization(ex, mkt, original, n)
	}
	return n
}
