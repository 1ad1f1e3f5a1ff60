// Package learn derives categorization signals from transaction text and
// ranks budget suggestions for new transactions.
package learn

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Signal locations. Each is an independent source of tokens with its own
// ranking weight.
const (
	LocPayee         = "payee"
	LocMemo          = "memo"
	LocImportedPayee = "importedPayee"
	LocImportedMemo  = "importedMemo"
)

// locationWeights bias the ranking: the external payee string is the
// strongest signal, free-text memos the weakest.
var locationWeights = map[string]float64{
	LocImportedPayee: 1.0,
	LocPayee:         0.9,
	LocImportedMemo:  0.6,
	LocMemo:          0.5,
}

// tokenHashLen is the fixed digest width stored per token, bounding
// storage regardless of token length.
const tokenHashLen = 16

// Tokenize lower-cases the text, collapses every non-alphanumeric run to a
// space, and returns the hash of each resulting token.
func Tokenize(text string) []string {
	lowered := strings.ToLower(text)
	fields := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	hashes := make([]string, 0, len(fields))
	for _, tok := range fields {
		h := HashToken(tok)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	return hashes
}

// HashToken returns the fixed-width digest stored for one token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:tokenHashLen]
}
