package core

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// blockLRU is a thin wrapper over hashicorp/golang-lru so Uniquer (and the
// block processor's duplicate-suppression cache) share one constructor.
type blockLRU struct {
	c *lru.Cache[Hash, *Block]
}

func newBlockLRU(capacity int) *blockLRU {
	if capacity <= 0 {
		capacity = 4096
	}
	c, err := lru.New[Hash, *Block](capacity)
	if err != nil {
		panic("core: lru.New: " + err.Error())
	}
	return &blockLRU{c: c}
}

func (b *blockLRU) Get(h Hash) (*Block, bool) { return b.c.Get(h) }
func (b *blockLRU) Add(h Hash, blk *Block)    { b.c.Add(h, blk) }
func (b *blockLRU) Contains(h Hash) bool      { return b.c.Contains(h) }
