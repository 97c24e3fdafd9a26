package reconcile

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/warp/dues-engine/dues"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// COLUMN NAMES
// =============================================================================

// monthNames maps folded month names (Spanish and English, full and short)
// to months.
var monthNames = map[string]time.Month{
	"enero": time.January, "ene": time.January, "january": time.January, "jan": time.January,
	"febrero": time.February, "feb": time.February, "february": time.February,
	"marzo": time.March, "mar": time.March, "march": time.March,
	"abril": time.April, "abr": time.April, "april": time.April, "apr": time.April,
	"mayo": time.May, "may": time.May,
	"junio": time.June, "jun": time.June, "june": time.June,
	"julio": time.July, "jul": time.July, "july": time.July,
	"agosto": time.August, "ago": time.August, "august": time.August, "aug": time.August,
	"septiembre": time.September, "setiembre": time.September, "sep": time.September,
	"sept": time.September, "set": time.September, "september": time.September,
	"octubre": time.October, "oct": time.October, "october": time.October,
	"noviembre": time.November, "nov": time.November, "november": time.November,
	"diciembre": time.December, "dic": time.December, "december": time.December, "dec": time.December,
}

// NormalizeColumn lower-cases, trims and strips accents from a header, and
// turns spaces and hyphens into underscores: "Marzo 2025" -> "marzo_2025".
func NormalizeColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(fold(name)))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, name)
}

// PeriodColumn parses a "<monthname>_<year>" column name.
func PeriodColumn(name string) (dues.Period, bool) {
	monthPart, yearPart, ok := strings.Cut(NormalizeColumn(name), "_")
	if !ok || len(yearPart) != 4 {
		return dues.Period{}, false
	}
	month, ok := monthNames[monthPart]
	if !ok {
		return dues.Period{}, false
	}
	year, err := strconv.Atoi(yearPart)
	if err != nil {
		return dues.Period{}, false
	}
	p := dues.Period{Year: year, Month: month}
	if p.Validate() != nil {
		return dues.Period{}, false
	}
	return p, true
}

// =============================================================================
// CELLS
// =============================================================================

// paidTokens mean "paid, date unknown".
var paidTokens = map[string]bool{"yes": true, "si": true}

// ParseCell interprets a non-empty period cell. A paid token yields the first
// day of the period; otherwise the value must be an ISO date.
func ParseCell(p dues.Period, raw string) (time.Time, error) {
	v := strings.TrimSpace(raw)
	if paidTokens[strings.ToLower(fold(v))] {
		return p.FirstDay(), nil
	}
	t, err := dues.ParseDate(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized value %q (expected \"yes\" or YYYY-MM-DD)", raw)
	}
	return t, nil
}

// fold removes combining marks: "sí" -> "si", "Diciembre" stays as is.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
