// Package regions normalizes and validates 2-letter Brazilian state codes
// (OAB seccionais). All functions are pure and deterministic.
package regions

import "strings"

// validStates is the fixed set of 27 Brazilian state codes.
var validStates = map[string]struct{}{
	"AC": {}, "AL": {}, "AP": {}, "AM": {}, "BA": {}, "CE": {}, "DF": {},
	"ES": {}, "GO": {}, "MA": {}, "MT": {}, "MS": {}, "MG": {}, "PA": {},
	"PB": {}, "PR": {}, "PE": {}, "PI": {}, "RJ": {}, "RN": {}, "RS": {},
	"RO": {}, "RR": {}, "SC": {}, "SP": {}, "SE": {}, "TO": {},
}

// IsValid reports whether code is one of the 27 state codes.
func IsValid(code string) bool {
	_, ok := validStates[code]
	return ok
}

// Clean strips non-letter characters, uppercases, and truncates to two
// characters. ok is true only when the result is a valid state code.
// Strict callers require ok; tolerant callers may use the best-effort
// code anyway and let the registry reject it.
func Clean(raw string) (code string, ok bool) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
		if b.Len() == 2 {
			break
		}
	}
	code = strings.ToUpper(b.String())
	return code, IsValid(code)
}

// FromExternalID extracts the state code from a composite external
// identifier of the form "UF_NNNNNN". Returns ok=false when the separator
// is missing or the left segment is not a valid state code.
func FromExternalID(extID string) (code string, ok bool) {
	left, _, found := strings.Cut(extID, "_")
	if !found {
		return "", false
	}
	return Clean(left)
}
