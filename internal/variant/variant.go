// Package variant computes the content address of a synthesis request.
//
// The variant hash is the fingerprint of (normalized text, model, voice,
// voice parameters). It forms cache keys, queue payload identity, and pubsub
// correlation: two requests with the same fingerprint share a single
// synthesis and the resulting artifact.
//
// Context tokens are deliberately excluded from the hash. Including them
// would defeat deduplication across playbacks because every block would
// inherit a fingerprint from its neighbours.
package variant

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
)

// fieldSep separates hash input fields. It cannot occur in normalized text,
// model IDs, or voice IDs, so distinct inputs never collide by concatenation.
const fieldSep = "\x00"

// NormalizeText canonicalises text before hashing: leading and trailing
// whitespace is dropped and internal whitespace runs collapse to a single
// space. Synthesis output is insensitive to these differences, so requests
// that differ only in spacing share one artifact.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Hash returns the variant hash for a synthesis request as a 64-character
// lowercase hex string. The hash is stable and deterministic: voice
// parameters are folded in sorted key order.
func Hash(text, modelID, voiceID string, voiceParams map[string]float64) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte(fieldSep))
	h.Write([]byte(modelID))
	h.Write([]byte(fieldSep))
	h.Write([]byte(voiceID))

	keys := make([]string, 0, len(voiceParams))
	for k := range voiceParams {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		h.Write([]byte(fieldSep))
		h.Write([]byte(k))
		h.Write([]byte("="))
		h.Write([]byte(strconv.FormatFloat(voiceParams[k], 'g', -1, 64)))
	}

	return hex.EncodeToString(h.Sum(nil))
}
