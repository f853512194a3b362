// Package shard derives partition keys for DynamoDB side tables.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ConstraintPK computes a hash-distributed partition key for one entry of a
// unique index. Each entry lands on its own partition so hot index values do
// not share throughput.
func ConstraintPK(table, index, key string) string {
	data := fmt.Sprintf("%s#%s#%s", table, index, key)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16]) // 128-bit hash as hex
}

// Segments clamps a requested parallel scan width to what DynamoDB accepts.
func Segments(n int) int {
	switch {
	case n < 1:
		return 1
	case n > MaxSegments:
		return MaxSegments
	}
	return n
}

// MaxSegments is the widest parallel scan the driver issues.
const MaxSegments = 64
