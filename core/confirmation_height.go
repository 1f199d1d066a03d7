package core

// Confirmation-height processor: advances each account's
// confirmation_height counter to match a block active transactions has
// just confirmed, walking backward from the confirmed block to the
// account's previously-confirmed height and transitively pulling in any
// source-account chain a receive along the way depends on. The walk is
// iterative with an explicit dependency stack; chains can run to
// hundreds of thousands of blocks, far past any recursion budget.

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ConfirmationHeightConfig tunes write batching and the
// far-behind-chain log notice.
type ConfirmationHeightConfig struct {
	BatchWriteSize  int // blocks accumulated in the pending-write cache before an intermediate commit
	GapLogThreshold uint64
}

func DefaultConfirmationHeightConfig() ConfirmationHeightConfig {
	return ConfirmationHeightConfig{BatchWriteSize: 512, GapLogThreshold: 20000}
}

// ConfirmedObserver is notified once per block whose confirmation_height
// now covers it.
type ConfirmedObserver func(b *Block)

// ConfirmationHeightProcessor is the node's background confirmation-height
// advancer.
type ConfirmationHeightProcessor struct {
	cfg   ConfirmationHeightConfig
	store Store

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Hash
	inFlight bool
	stopped  bool

	observersMu sync.Mutex
	observers   []ConfirmedObserver
}

func NewConfirmationHeightProcessor(store Store, cfg ConfirmationHeightConfig) *ConfirmationHeightProcessor {
	if cfg.BatchWriteSize <= 0 {
		cfg = DefaultConfirmationHeightConfig()
	}
	p := &ConfirmationHeightProcessor{cfg: cfg, store: store}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

func (p *ConfirmationHeightProcessor) OnConfirmed(fn ConfirmedObserver) {
	p.observersMu.Lock()
	p.observers = append(p.observers, fn)
	p.observersMu.Unlock()
}

// Add schedules hash's account chain (and any source-account dependency)
// for confirmation-height advancement.
func (p *ConfirmationHeightProcessor) Add(hash Hash) {
	p.mu.Lock()
	p.queue = append(p.queue, hash)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// PendingCount returns the number of queued hashes plus any in-flight
// walk. Active transactions consults this before scheduling further
// frontier sweeps.
func (p *ConfirmationHeightProcessor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	if p.inFlight {
		n++
	}
	return n
}

func (p *ConfirmationHeightProcessor) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *ConfirmationHeightProcessor) Flush() {
	p.mu.Lock()
	for (len(p.queue) > 0 || p.inFlight) && !p.stopped {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *ConfirmationHeightProcessor) run() {
	for {
		hash, ok := p.next()
		if !ok {
			return
		}
		if err := p.confirm(hash); err != nil {
			logrus.Warnf("confirmation_height: %v", err)
		}
		p.mu.Lock()
		p.inFlight = false
		if len(p.queue) == 0 {
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *ConfirmationHeightProcessor) next() (Hash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.queue) > 0 {
			h := p.queue[0]
			p.queue = p.queue[1:]
			p.inFlight = true
			return h, true
		}
		if p.stopped {
			return Hash{}, false
		}
		p.cond.Wait()
	}
}

// sourceOf resolves the hash a stored block claims to receive funds from,
// disambiguating the state-block link field (which also carries a
// destination for sends) by comparing against the previous block's
// balance: a link is a source only when it funded a balance increase.
func sourceOf(txn Txn, sb StoredBlock) Hash {
	b := sb.Block
	switch b.Type {
	case BlockOpen, BlockReceive:
		return b.SourceHash
	case BlockState:
		if b.IsEpochLink() {
			return Hash{}
		}
		if b.Previous.IsZero() {
			return b.Link // state open: always funded by a pending receive
		}
		prev, ok, err := lookupBlock(txn, b.Previous)
		if err != nil || !ok {
			return Hash{}
		}
		if b.Balance.Cmp(prev.SideBand.Balance) > 0 {
			return b.Link
		}
		return Hash{}
	default:
		return Hash{}
	}
}

// confirmTask is one entry of the dependency stack: advance account's
// confirmation height up to (and including) target.
type confirmTask struct {
	target Hash
}

// confirm walks the chain ending at target, collecting every block
// between the account's current confirmation_height and target's
// height; for any receive/open block among them whose source account is
// itself behind, the source chain is pushed as a dependency and
// resolved first.
func (p *ConfirmationHeightProcessor) confirm(target Hash) error {
	pendingWrites := make(map[Address]uint64) // account -> confirmed height, not yet committed
	var confirmedBlocks []*Block              // accumulated for batched observer notification

	stack := []confirmTask{{target: target}}
	for len(stack) > 0 {
		task := stack[len(stack)-1]

		var chain []StoredBlock
		var sourceDependency Hash
		var account Address
		var oldHeight, newHeight uint64
		var alreadyDone bool

		err := p.store.View(func(txn Txn) error {
			stored, ok, err := lookupBlock(txn, task.target)
			if err != nil || !ok {
				alreadyDone = true
				return nil
			}
			account = stored.SideBand.Account
			newHeight = stored.SideBand.Height

			ai, _, found, err := lookupAccountInfo(txn, account)
			if err != nil {
				return err
			}
			oldHeight = 0
			if found {
				oldHeight = ai.ConfirmationHeight
			}
			if cached, ok := pendingWrites[account]; ok && cached > oldHeight {
				oldHeight = cached
			}
			if oldHeight >= newHeight {
				alreadyDone = true
				return nil
			}

			cur := task.target
			for {
				sb, ok, err := lookupBlock(txn, cur)
				if err != nil {
					return err
				}
				if !ok || sb.SideBand.Height <= oldHeight {
					break
				}
				chain = append(chain, sb)
				if sb.Block.Previous.IsZero() {
					break
				}
				cur = sb.Block.Previous
			}
			// reverse to forward (oldest-first) order
			for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
				chain[i], chain[j] = chain[j], chain[i]
			}

			for _, sb := range chain {
				src := sourceOf(txn, sb)
				if src.IsZero() {
					continue
				}
				srcStored, ok, err := lookupBlock(txn, src)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				srcAccount := srcStored.SideBand.Account
				srcHeight := srcStored.SideBand.Height
				srcAI, _, srcFound, err := lookupAccountInfo(txn, srcAccount)
				if err != nil {
					return err
				}
				srcConfirmed := uint64(0)
				if srcFound {
					srcConfirmed = srcAI.ConfirmationHeight
				}
				if cached, ok := pendingWrites[srcAccount]; ok && cached > srcConfirmed {
					srcConfirmed = cached
				}
				if srcConfirmed < srcHeight {
					sourceDependency = src
					break
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if alreadyDone {
			stack = stack[:len(stack)-1]
			continue
		}
		if !sourceDependency.IsZero() {
			stack = append(stack, confirmTask{target: sourceDependency})
			continue
		}

		gap := newHeight - oldHeight
		if gap > p.cfg.GapLogThreshold {
			logrus.WithFields(logrus.Fields{
				"account": account.String(), "gap": gap,
			}).Warnf("confirmation_height: chain more than %d blocks behind", p.cfg.GapLogThreshold)
			statConfirmationHeightGapWarnings.Inc()
		}

		pendingWrites[account] = newHeight
		for _, sb := range chain {
			confirmedBlocks = append(confirmedBlocks, sb.Block)
		}
		stack = stack[:len(stack)-1]

		if len(confirmedBlocks) >= p.cfg.BatchWriteSize || len(stack) == 0 {
			if err := p.commit(pendingWrites, confirmedBlocks); err != nil {
				return err
			}
			pendingWrites = make(map[Address]uint64)
			confirmedBlocks = nil
		}
	}
	return nil
}

// commit writes the accumulated confirmation-height advances in a
// single store transaction and fires observers for every
// newly-confirmed block.
func (p *ConfirmationHeightProcessor) commit(writes map[Address]uint64, blocks []*Block) error {
	if len(writes) == 0 {
		return nil
	}
	err := p.store.Update(func(txn Txn) error {
		for account, height := range writes {
			ai, epoch, found, err := lookupAccountInfo(txn, account)
			if err != nil {
				return err
			}
			if !found || ai.ConfirmationHeight >= height {
				continue
			}
			ai.ConfirmationHeight = height
			if err := txn.Put(accountTable(epoch), account[:], encodeAccountInfo(ai)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	statBlocksConfirmed.Add(float64(len(blocks)))
	p.observersMu.Lock()
	obs := append([]ConfirmedObserver(nil), p.observers...)
	p.observersMu.Unlock()
	for _, b := range blocks {
		for _, fn := range obs {
			fn(b)
		}
	}
	return nil
}
