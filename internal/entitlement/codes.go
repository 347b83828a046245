package entitlement

import "strings"

// CodeSet is the fixed set of redemption codes. It is built once from
// configuration and never mutated.
type CodeSet struct {
	codes map[string]struct{}
}

func NewCodeSet(codes []string) CodeSet {
	set := CodeSet{codes: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		if c = normalizeCode(c); c != "" {
			set.codes[c] = struct{}{}
		}
	}
	return set
}

// Contains reports whether code, after normalization, is a valid code.
func (s CodeSet) Contains(code string) bool {
	_, ok := s.codes[normalizeCode(code)]
	return ok
}

func (s CodeSet) Len() int {
	return len(s.codes)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
