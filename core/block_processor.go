package core

// Block processor: buffered, asynchronous application of blocks with
// signature batching and unchecked-dependency re-drive.

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProcessObserver is notified whenever a block reaches a terminal
// classification.
type ProcessObserver func(b *Block, result ProcessResult)

// ForkObserver is notified when the block processor detects a fork,
// handing the competing block to whoever manages elections (component H).
type ForkObserver func(b *Block)

// BlockProcessorConfig tunes batch size and the per-batch time slice
// the processor yields at.
type BlockProcessorConfig struct {
	BatchSize     int
	BatchDeadline time.Duration
	DedupeCache   int
}

func DefaultBlockProcessorConfig() BlockProcessorConfig {
	return BlockProcessorConfig{BatchSize: 256, BatchDeadline: 100 * time.Millisecond, DedupeCache: 8192}
}

// BlockProcessor is the node's asynchronous block-ingestion pipeline.
type BlockProcessor struct {
	cfg    BlockProcessorConfig
	ledger *Ledger
	store  Store

	mu          sync.Mutex
	cond        *sync.Cond
	stateBlocks []*Block // epoch-0/1 state blocks: batch signature verification
	blocks      []*Block // other blocks + already-verified state blocks
	forced      []*Block // bypasses normal queue (internal reconciliation)
	inFlight    int
	stopped     bool

	dedupe *blockLRU

	observersMu sync.Mutex
	observers   []ProcessObserver
	forkObs     []ForkObserver
}

func NewBlockProcessor(ledger *Ledger, store Store, cfg BlockProcessorConfig) *BlockProcessor {
	if cfg.BatchSize <= 0 {
		cfg = DefaultBlockProcessorConfig()
	}
	p := &BlockProcessor{
		cfg:    cfg,
		ledger: ledger,
		store:  store,
		dedupe: newBlockLRU(cfg.DedupeCache),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

// OnProgress registers an observer invoked for every terminal
// classification, not only the ledger-success case; callers filter on
// the result they care about.
func (p *BlockProcessor) OnProgress(fn ProcessObserver) {
	p.observersMu.Lock()
	p.observers = append(p.observers, fn)
	p.observersMu.Unlock()
}

// OnFork registers an observer invoked when Process returns ResultFork.
func (p *BlockProcessor) OnFork(fn ForkObserver) {
	p.observersMu.Lock()
	p.forkObs = append(p.forkObs, fn)
	p.observersMu.Unlock()
}

// Add enqueues a block for asynchronous processing. Non-blocking.
// Duplicates (by hash, via a short-term LRU) are suppressed.
func (p *BlockProcessor) Add(b *Block) {
	h := b.Hash()
	p.mu.Lock()
	if p.dedupe.Contains(h) {
		p.mu.Unlock()
		return
	}
	p.dedupe.Add(h, b)
	if b.Type == BlockState {
		p.stateBlocks = append(p.stateBlocks, b)
	} else {
		p.blocks = append(p.blocks, b)
	}
	p.inFlight++
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Force enqueues a block on the forced queue, bypassing normal priority;
// used by internal reconciliation (e.g. re-driving an unchecked entry).
func (p *BlockProcessor) Force(b *Block) {
	p.mu.Lock()
	p.forced = append(p.forced, b)
	p.inFlight++
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Flush blocks until every queued block (as of the call) has been
// processed. Used for deterministic testing and controlled shutdowns.
func (p *BlockProcessor) Flush() {
	p.mu.Lock()
	for p.inFlight > 0 && !p.stopped {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Stop halts the processor loop once its queues are empty; blocks already
// queued are still processed. Add and Force do not check the stopped
// flag, so a block queued after Stop is processed only if the loop has
// not exited yet.
func (p *BlockProcessor) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *BlockProcessor) run() {
	for {
		batch, verifyState := p.nextBatch()
		if batch == nil {
			return // stopped, nothing left
		}
		if verifyState {
			p.preVerifyStateBatch(batch)
		}
		for _, b := range batch {
			p.processOne(b)
		}
	}
}

// nextBatch blocks until there is work or the processor is stopped with
// an empty queue. It returns (batch, verifyState) where verifyState is
// true iff the batch was pulled from the state-block queue (eligible for
// batch signature pre-verification).
func (p *BlockProcessor) nextBatch() ([]*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.forced) > 0 {
			return p.drain(&p.forced), false
		}
		if len(p.stateBlocks) > 0 {
			return p.drain(&p.stateBlocks), true
		}
		if len(p.blocks) > 0 {
			return p.drain(&p.blocks), false
		}
		if p.stopped {
			return nil, false
		}
		p.cond.Wait()
	}
}

func (p *BlockProcessor) drain(q *[]*Block) []*Block {
	n := len(*q)
	if n > p.cfg.BatchSize {
		n = p.cfg.BatchSize
	}
	batch := (*q)[:n]
	*q = (*q)[n:]
	return batch
}

// preVerifyStateBatch checks Ed25519 signatures for a batch of state
// blocks in parallel, ahead of ledger application. The results are not
// used: every block in the batch still goes to Ledger.Process, which
// performs the authoritative check.
func (p *BlockProcessor) preVerifyStateBatch(batch []*Block) {
	var wg sync.WaitGroup
	for _, b := range batch {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.ledger.VerifyStateBlockSignature(b)
		}()
	}
	wg.Wait()
}

func (p *BlockProcessor) processOne(b *Block) {
	result, err := p.ledger.Process(b)
	if err != nil {
		logrus.WithFields(logrus.Fields{"hash": b.Hash().String()}).Warnf("block_processor: %v", err)
	}

	switch result {
	case ResultProgress:
		p.notify(b, result)
		p.wakeUnchecked(b.Hash())
	case ResultGapPrevious:
		p.park(b.Previous, b)
	case ResultGapSource:
		p.park(p.ledger.BlockSource(b), b)
	case ResultFork:
		p.notifyFork(b)
		p.notify(b, result)
	default:
		p.notify(b, result)
	}

	p.mu.Lock()
	p.inFlight--
	if p.inFlight == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

func (p *BlockProcessor) notify(b *Block, result ProcessResult) {
	p.observersMu.Lock()
	obs := append([]ProcessObserver(nil), p.observers...)
	p.observersMu.Unlock()
	for _, fn := range obs {
		fn(b, result)
	}
}

func (p *BlockProcessor) notifyFork(b *Block) {
	p.observersMu.Lock()
	obs := append([]ForkObserver(nil), p.forkObs...)
	p.observersMu.Unlock()
	for _, fn := range obs {
		fn(b)
	}
}

// park records b in the unchecked table keyed by its missing
// dependency.
func (p *BlockProcessor) park(dependency Hash, b *Block) {
	if dependency.IsZero() {
		return
	}
	kind := "previous"
	if dependency != b.Previous {
		kind = "source"
	}
	statUncheckedGap.WithLabelValues(kind).Inc()
	info := UncheckedInfo{Block: b, ArrivalTime: nowUnix(), Verification: VerificationUnknown}
	err := p.store.Update(func(txn Txn) error {
		return txn.Put(TableUnchecked, uncheckedKey(dependency, b.Hash()), encodeUncheckedInfo(info))
	})
	if err != nil {
		logrus.Warnf("block_processor: park unchecked: %v", err)
	}
}

// wakeUnchecked re-queues every unchecked entry keyed by dependency hash,
// requeuing them for another attempt now that the dependency is satisfied.
func (p *BlockProcessor) wakeUnchecked(dependency Hash) {
	var waiting []*Block
	var keys [][]byte
	err := p.store.View(func(txn Txn) error {
		return txn.Iterate(TableUnchecked, dependency[:], func(key, value []byte) bool {
			info, err := decodeUncheckedInfo(value)
			if err != nil {
				return true
			}
			waiting = append(waiting, info.Block)
			keys = append(keys, append([]byte(nil), key...))
			return true
		})
	})
	if err != nil {
		logrus.Warnf("block_processor: wake unchecked: %v", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	_ = p.store.Update(func(txn Txn) error {
		for _, k := range keys {
			if err := txn.Delete(TableUnchecked, k); err != nil {
				return err
			}
		}
		return nil
	})
	for _, b := range waiting {
		p.Force(b)
	}
}
