package pipeline

import (
	"fmt"
	"sort"

	"github.com/knowflow-io/knowflow/internal/pool"
	"github.com/knowflow-io/knowflow/types"
)

// Fingerprint returns a stable identity for one data item. Primitive
// content fingerprints on its literal value so equal inputs collide across
// runs; anything structured falls back to the data id.
func Fingerprint(data *types.ProcessedData) string {
	switch v := data.Content.(type) {
	case string:
		return v
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return fmt.Sprint(v)
	default:
		return data.DataID
	}
}

// CacheKey derives a node's cache key from its id and the sorted
// fingerprints of the current batch. Sorting makes the key independent of
// batch order.
func CacheKey(nodeID string, batch []*types.ProcessedData) string {
	prints := make([]string, 0, len(batch))
	for _, item := range batch {
		prints = append(prints, Fingerprint(item))
	}
	sort.Strings(prints)

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)
	buf.WriteString(nodeID)
	buf.WriteByte('_')
	for i, print := range prints {
		if i > 0 {
			buf.WriteByte('-')
		}
		buf.WriteString(print)
	}
	return buf.String()
}
