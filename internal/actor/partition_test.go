package actor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestPartition_Page(t *testing.T) {
	p := newPartition[counter]("p")
	for _, k := range []string{"d", "b", "a", "c", "e", "b"} {
		p.register(k)
	}
	assert.Equal(t, 5, p.Len())

	keys, next := p.Page("", 2)
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, "b", next)

	keys, next = p.Page(next, 2)
	assert.Equal(t, []string{"c", "d"}, keys)
	assert.Equal(t, "d", next)

	keys, next = p.Page(next, 2)
	assert.Equal(t, []string{"e"}, keys)
	assert.Empty(t, next)

	keys, next = p.Page("zzz", 2)
	assert.Empty(t, keys)
	assert.Empty(t, next)
}

// 无论页大小如何, 逐页读取都恰好得到全部 key 且不重复
func TestProperty_PartitionPagingCoversIndex(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 60).Draw(rt, "n")
		limit := rapid.IntRange(1, 10).Draw(rt, "limit")

		p := newPartition[counter]("p")
		for i := 0; i < n; i++ {
			p.register(fmt.Sprintf("key-%03d", i))
		}

		var all []string
		token := ""
		for pages := 0; ; pages++ {
			if pages > n+1 {
				rt.Fatalf("paging did not terminate")
			}
			keys, next := p.Page(token, limit)
			if len(keys) > limit {
				rt.Fatalf("page larger than limit: %d > %d", len(keys), limit)
			}
			all = append(all, keys...)
			if next == "" {
				break
			}
			token = next
		}

		if len(all) != n {
			rt.Fatalf("expected %d keys, got %d", n, len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i-1] >= all[i] {
				rt.Fatalf("keys out of order at %d", i)
			}
		}
	})
}
