package util

import (
	"math/rand/v2"
	"strings"
)

// IntN matches rand.IntN and (*rand.Rand).IntN.
type IntN func(n int) int

// Choose returns a uniformly chosen element of items. ok is false when items is empty.
// A nil intn uses the package-level math/rand/v2 source.
func Choose[T any](items []T, intn IntN) (item T, ok bool) {
	if len(items) == 0 {
		return item, false
	}
	if intn == nil {
		intn = rand.IntN
	}
	return items[intn(len(items))], true
}

// ChooseString is Choose for strings, returning "" when items is empty.
func ChooseString(items []string, intn IntN) string {
	s, _ := Choose(items, intn)
	return s
}

// GenerateRandomID returns prefix followed by hexLength random hex digits.
// Used for log correlation, not for anything security-sensitive.
func GenerateRandomID(prefix string, hexLength int) string {
	if hexLength <= 0 {
		return prefix
	}
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(len(prefix) + hexLength)
	b.WriteString(prefix)
	for i := 0; i < hexLength; i++ {
		b.WriteByte(hexChars[rand.IntN(16)])
	}
	return b.String()
}
