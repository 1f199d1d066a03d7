package core

// Store is the node's persistence boundary: a typed key-value interface
// with read and read-write transactions, so the concrete engine stays
// swappable behind it.

import "fmt"

// Table names, kept literal so store_bolt.go and store_memory.go agree
// on bucket naming.
const (
	TableFrontiers    = "frontiers"
	TableAccountsV0   = "accounts_v0"
	TableAccountsV1   = "accounts_v1"
	TableSendBlocks   = "send_blocks"
	TableRecvBlocks   = "receive_blocks"
	TableOpenBlocks   = "open_blocks"
	TableChangeBlocks = "change_blocks"
	TableStateV0      = "state_blocks_v0"
	TableStateV1      = "state_blocks_v1"
	TablePendingV0    = "pending_v0"
	TablePendingV1    = "pending_v1"
	TableRepresent    = "representation"
	TableUnchecked    = "unchecked"
	TableVote         = "vote"
	TableOnlineWeight = "online_weight"
	TableMeta         = "meta"
	TablePeers        = "peers"
)

// AccountInfo is the per-account chain state.
type AccountInfo struct {
	Head               Hash
	OpenBlock          Hash
	RepBlock           Hash
	Balance            Amount
	Modified           uint64
	BlockCount         uint64
	ConfirmationHeight uint64
	Epoch              uint8
}

// PendingInfo is an unclaimed-send record, keyed by
// (destination_account, send_hash) in the store.
type PendingInfo struct {
	Source Address
	Amount Amount
	Epoch  uint8
}

// UncheckedVerification records how far an unchecked block's signature
// has been checked.
type UncheckedVerification uint8

const (
	VerificationUnknown UncheckedVerification = iota
	VerificationInvalid
	VerificationValid
	VerificationValidEpoch
)

// UncheckedInfo is a block parked while waiting for its dependency.
type UncheckedInfo struct {
	Block        *Block
	Signer       Address
	ArrivalTime  uint64
	Verification UncheckedVerification
}

// Txn is a single store transaction. Read-only transactions must not call
// the mutating methods; store_bolt.go enforces this via bbolt's own
// read-only tx flag, store_memory.go enforces it with a writable bool.
type Txn interface {
	Get(table string, key []byte) ([]byte, bool, error)
	Put(table string, key, value []byte) error
	Delete(table string, key []byte) error
	Iterate(table string, prefix []byte, fn func(key, value []byte) bool) error
	Writable() bool
}

// Store is the node's persistence boundary. All components reach the
// store only through View/Update; a component takes its own mutex
// before opening a transaction, never the other way around.
type Store interface {
	View(fn func(Txn) error) error
	Update(fn func(Txn) error) error
	Close() error
}

var errReadOnly = fmt.Errorf("store: write attempted on read-only transaction")
