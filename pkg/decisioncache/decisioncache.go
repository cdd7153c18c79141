// Package decisioncache remembers prior blocklist classifications so the
// blocklist trie isn't re-walked on every repeat query.
package decisioncache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/jyuch/advoid/pkg/blocklist"
)

// Decision is the classification result for a name.
type Decision int

const (
	Allow Decision = iota
	Block
)

func (d Decision) String() string {
	if d == Block {
		return "block"
	}
	return "allow"
}

// Cache partitions names into two independently bounded LRUs, one per
// decision. Bounding each partition separately (rather than one map with a
// tombstone value) is what keeps the two partitions disjoint even under
// eviction: evicting a Block entry can never surface a stale Allow entry for
// the same name, because there never was one.
type Cache struct {
	block *lru.Cache
	allow *lru.Cache
}

// New creates a Cache whose two partitions each hold up to capacity entries.
func New(capacity int) (*Cache, error) {
	block, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	allow, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{block: block, allow: allow}, nil
}

// Classify returns the cached decision for name if one exists; otherwise it
// scans set under label-boundary suffix semantics, records the result in the
// matching partition, and returns it. For a Block decision, zone is the
// closest enclosing blocklist entry, cached alongside the decision itself so
// a repeat lookup never needs to re-walk the blocklist to recover it.
func (c *Cache) Classify(name string, set *blocklist.Set) (decision Decision, zone string) {
	if v, ok := c.block.Get(name); ok {
		return Block, v.(string)
	}
	if c.allow.Contains(name) {
		return Allow, ""
	}

	if set != nil {
		if matched, ok := set.MatchZone(name); ok {
			c.block.Add(name, matched)
			return Block, matched
		}
	}

	c.allow.Add(name, struct{}{})
	return Allow, ""
}

// Len returns the number of entries currently held in each partition.
func (c *Cache) Len() (block, allow int) {
	return c.block.Len(), c.allow.Len()
}
