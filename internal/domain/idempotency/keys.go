package idempotency

import "strings"

// ReservedKeyPrefix starts every key the processor derives for its own saga
// steps. Caller-supplied keys may not use it.
const ReservedKeyPrefix = "saga:"

// IsReserved reports whether key lies in the processor's own key space
func IsReserved(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), ReservedKeyPrefix)
}
