// Package money validates and normalizes user-entered monetary values and
// the settlement routing details gathered during negotiation.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts outside [LowExp, HighExp) are rejected.
var (
	HighExp = decimal.New(1, 15)
	LowExp  = decimal.New(1, -8)
)

const maxFieldLength = 150

// cardMask joins the first and last four card digits.
const cardMask = "********"

// ValidationError is a malformed user input. The caller re-prompts the
// same negotiation state without transitioning.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Normalize rounds to 8 decimal places half-up and strips trailing
// zeroes. Integral values stay integral.
func Normalize(d decimal.Decimal) decimal.Decimal {
	if d.Equal(d.Truncate(0)) {
		return d.Truncate(0)
	}
	return trimZeroes(d.Round(8))
}

func trimZeroes(d decimal.Decimal) decimal.Decimal {
	s := d.String()
	if !strings.Contains(s, ".") {
		return d
	}
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	out, _ := decimal.NewFromString(s)
	return out
}

// Parse constructs a normalized positive amount from user input.
func Parse(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, invalid("send a decimal number")
	}
	if d.Sign() <= 0 {
		return decimal.Zero, invalid("send a positive number")
	}
	if d.GreaterThanOrEqual(HighExp) {
		return decimal.Zero, invalid("amount must be less than %s", HighExp.String())
	}
	n := Normalize(d)
	if n.IsZero() {
		return decimal.Zero, invalid("amount must be at least %s", LowExp.String())
	}
	return n, nil
}

// CheckField rejects free-text settlement fields over the length cap.
func CheckField(text string) error {
	if len(text) >= maxFieldLength {
		return invalid("exceeded %d character limit, sent %d", maxFieldLength, len(text))
	}
	return nil
}

// MaskCard parses the first and last four digits of a card number and
// joins them with a fixed-length mask: "1234********5678".
func MaskCard(text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) < 8 {
		return "", invalid("send at least 8 digits of the card number")
	}
	first := text[:4]
	last := text[len(text)-4:]
	if !isDigits(first) || !isDigits(last) {
		return "", invalid("could not parse digits from card number")
	}
	return first + cardMask + last, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CardholderName validates a 3-token "name patronymic surname" input,
// compresses the surname to its first letter plus a period and returns
// the whole value upper-cased.
func CardholderName(text string) (string, error) {
	parts := strings.Fields(text)
	if len(parts) != 3 {
		return "", invalid("name must consist of 3 words")
	}
	surname := []rune(parts[2])
	parts[2] = string(surname[0]) + "."
	return strings.ToUpper(strings.Join(parts, " ")), nil
}
