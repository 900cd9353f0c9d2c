// Package phone normalizes human-entered phone numbers to a digits-only form.
// The parent/student join and the canonical login handle both depend on two
// differently formatted numbers comparing equal, so every comparison in the
// codebase goes through this package.
package phone

import "strings"

// subscriberDigits is the length of a national subscriber number. Anything
// longer is assumed to carry a country prefix.
const subscriberDigits = 10

func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Equal reports whether two numbers identify the same subscriber. A country
// prefix on one side ("+91 98765 43210" vs "9876543210") must not break the
// match, so numbers longer than the subscriber length compare by suffix.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	if len(na) >= subscriberDigits && len(nb) >= subscriberDigits {
		return strings.HasSuffix(na, nb[len(nb)-subscriberDigits:]) &&
			strings.HasSuffix(nb, na[len(na)-subscriberDigits:])
	}
	return false
}
