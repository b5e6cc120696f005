package cmn

import (
	"fmt"

	"github.com/OneOfOne/xxhash"
)

// StableID hashes parts into a short, stable hexadecimal identity string.
// Used to give an ExecutionTask an identity derived from (TopicPartition,
// TaskType) so that re-submitting the same proposal is idempotent.
func StableID(parts ...string) string {
	h := xxhash.New64()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
