package core

// Block variants and the uniquer that deduplicates shared instances by
// hash.

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// BlockType tags which variant a Block holds.
type BlockType uint8

const (
	BlockInvalid BlockType = iota
	BlockNotABlock
	BlockSend
	BlockReceive
	BlockOpen
	BlockChange
	BlockState
)

func (t BlockType) String() string {
	switch t {
	case BlockSend:
		return "send"
	case BlockReceive:
		return "receive"
	case BlockOpen:
		return "open"
	case BlockChange:
		return "change"
	case BlockState:
		return "state"
	case BlockNotABlock:
		return "not_a_block"
	default:
		return "invalid"
	}
}

// EpochLink is the network-fixed 32-byte link value that marks a state
// block as an epoch-upgrade transition rather than a value transfer.
var EpochLink = Hash{0xe9, 0x70, 0x0c}

// Block is a tagged union over the five wire variants. Only the fields
// relevant to Type are meaningful; one struct with a type tag rather than
// five separate Go types lets the ledger and wire codec pattern-match on
// Type alone.
type Block struct {
	Type BlockType

	// legacy open/send/receive/change hashables
	SourceHash     Hash    // open.source, receive.source
	Previous       Hash    // send/receive/change/state.previous (zero for open)
	Destination    Address // send.destination
	Representative Address // open/change/state.representative
	Account        Address // open/state.account

	// state-block hashables
	Link Hash // state.link: destination (as Hash), source hash, or EpochLink

	Balance Amount // send/state.balance

	Signature [64]byte
	Work      uint64

	hashOnce sync.Once
	hash     Hash
}

// Root returns the qualified-root component used to key elections and the
// work-validation root: previous hash for non-open blocks, the account
// number for open blocks.
func (b *Block) Root() Hash {
	if b.Type == BlockOpen {
		return Hash(b.Account)
	}
	return b.Previous
}

// Source returns the hash of the send this block claims to receive funds
// from, for legacy receive/open blocks. For state blocks callers should
// use Link and IsEpochLink to interpret it, since link is contextual.
func (b *Block) Source() Hash {
	switch b.Type {
	case BlockOpen, BlockReceive:
		return b.SourceHash
	default:
		return Hash{}
	}
}

// IsEpochLink reports whether a state block's link marks an epoch
// transition rather than a value transfer.
func (b *Block) IsEpochLink() bool {
	return b.Type == BlockState && b.Link == EpochLink
}

// Hashables returns the canonical byte sequence hashed to produce the
// block's identity hash. Signature and work are excluded, so hash
// stability holds regardless of resolicited signatures or re-mined work.
func (b *Block) Hashables() []byte {
	switch b.Type {
	case BlockOpen:
		buf := make([]byte, 0, 96)
		buf = append(buf, b.SourceHash[:]...)
		buf = append(buf, b.Representative[:]...)
		buf = append(buf, b.Account[:]...)
		return buf
	case BlockSend:
		buf := make([]byte, 0, 68)
		buf = append(buf, b.Previous[:]...)
		buf = append(buf, b.Destination[:]...)
		bal := b.Balance.Bytes()
		buf = append(buf, bal[:]...)
		return buf
	case BlockReceive:
		buf := make([]byte, 0, 64)
		buf = append(buf, b.Previous[:]...)
		buf = append(buf, b.SourceHash[:]...)
		return buf
	case BlockChange:
		buf := make([]byte, 0, 64)
		buf = append(buf, b.Previous[:]...)
		buf = append(buf, b.Representative[:]...)
		return buf
	case BlockState:
		buf := make([]byte, 0, 160)
		buf = append(buf, b.Account[:]...)
		buf = append(buf, b.Previous[:]...)
		buf = append(buf, b.Representative[:]...)
		bal := b.Balance.Bytes()
		buf = append(buf, bal[:]...)
		buf = append(buf, b.Link[:]...)
		return buf
	default:
		return nil
	}
}

// Hash computes (and memoizes) the block's identity hash.
func (b *Block) Hash() Hash {
	b.hashOnce.Do(func() {
		b.hash = BlakeHash(b.Hashables())
	})
	return b.hash
}

// SideBand is non-hashed metadata stored alongside a block: it is what
// makes O(1) traversal and balance lookup possible without replaying
// chains.
type SideBand struct {
	Successor Hash
	Account   Address
	Balance   Amount
	Height    uint64
	Timestamp uint64
	Type      BlockType
}

// StoredBlock is what the store persists per block hash: the block bytes
// plus its side-band.
type StoredBlock struct {
	Block    *Block
	SideBand SideBand
}

// --- Uniquer ---

// Uniquer deduplicates Block instances by hash so that concurrent readers
// observe the same *Block pointer. Weak-reference eviction isn't
// observable in Go, so eviction instead runs on a bounded LRU via
// hashicorp/golang-lru.
type Uniquer struct {
	mu    sync.Mutex
	cache *blockLRU
}

func NewUniquer(capacity int) *Uniquer {
	return &Uniquer{cache: newBlockLRU(capacity)}
}

// Unique returns the canonical shared instance for b's hash, registering
// b if this is the first sighting.
func (u *Uniquer) Unique(b *Block) *Block {
	h := b.Hash()
	u.mu.Lock()
	defer u.mu.Unlock()
	if existing, ok := u.cache.Get(h); ok {
		return existing
	}
	u.cache.Add(h, b)
	return b
}

func (b *Block) String() string {
	return fmt.Sprintf("%s(%s)", b.Type, b.Hash())
}

func nowUnix() uint64 { return uint64(time.Now().Unix()) }

// --- wire encoding helpers shared by message.go ---

func putHash(buf []byte, off int, h Hash) int {
	copy(buf[off:], h[:])
	return off + len(h)
}

func putAddress(buf []byte, off int, a Address) int {
	copy(buf[off:], a[:])
	return off + len(a)
}

func putAmount(buf []byte, off int, a Amount) int {
	b := a.Bytes()
	copy(buf[off:], b[:])
	return off + len(b)
}

func putUint64LE(buf []byte, off int, v uint64) int {
	binary.LittleEndian.PutUint64(buf[off:], v)
	return off + 8
}
