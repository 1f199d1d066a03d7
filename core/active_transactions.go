package core

// Active transactions manager: concurrent elections over competing
// block roots with weighted quorum, adjusted-difficulty prioritization,
// and load-based flushing.

import (
	"bytes"
	"math/big"
	"sort"
	"sync"
	"time"
)

// QualifiedRoot uniquely names a fork position on an account chain: the
// block's previous hash paired with its root (the previous hash for
// non-open blocks, the account number for open blocks).
type QualifiedRoot struct {
	Previous Hash
	Root     Hash
}

func qualifiedRootOf(b *Block) QualifiedRoot {
	return QualifiedRoot{Previous: b.Previous, Root: b.Root()}
}

// VoteRecord is the last vote observed from one representative in one
// election.
type VoteRecord struct {
	Time     time.Time
	Sequence uint64
	Hash     Hash
}

// VoteClassification is the outcome of applying one voter's ballot to
// one election.
type VoteClassification int

const (
	VoteApplied VoteClassification = iota
	VoteReplay
	VoteInvalid
)

func (c VoteClassification) String() string {
	switch c {
	case VoteApplied:
		return "vote"
	case VoteReplay:
		return "replay"
	default:
		return "invalid"
	}
}

// Election tracks the candidates and votes for one qualified root.
type Election struct {
	Root            QualifiedRoot
	Winner          *Block
	Blocks          map[Hash]*Block
	LastVotes       map[Address]VoteRecord
	LastTally       map[Hash]Amount
	Confirmed       bool
	Stopped         bool
	Announcements   uint32
	DependentBlocks map[Hash]struct{}
	ElectionStart   time.Time
	WalletWatched   bool // root is watched by the wallet work-watcher: never evicted

	onConfirm func(*Block)
}

// ConfirmedStatus is a recent election outcome kept in the bounded
// `confirmed` deque.
type ConfirmedStatus struct {
	Root      QualifiedRoot
	Winner    Hash
	Duration  time.Duration
	Announce  uint32
	Confirmed bool
}

type activeEntry struct {
	root               QualifiedRoot
	rawDifficulty      uint64
	adjustedDifficulty float64
	election           *Election
}

// OnlineWeightSource supplies the quorum denominator (component J).
type OnlineWeightSource interface {
	OnlineWeight() Amount
}

// ActiveTransactionsConfig holds the election manager's network-fixed
// tunables.
type ActiveTransactionsConfig struct {
	QuorumPercent       float64 // e.g. 0.67
	PublishThreshold    uint64  // base difficulty, for multiplier math
	AnnouncementLong    uint32  // elections past this many announcements are "long-unconfirmed"
	ConfirmedDequeSize  int
	MultiplierWindow    int // ring buffer capacity for trended difficulty
	MaxActiveElections  int // not read; flushThresholds applies a fixed 100000 hard cap
	ConfirmReqHashesMax int
}

func DefaultActiveTransactionsConfig() ActiveTransactionsConfig {
	return ActiveTransactionsConfig{
		QuorumPercent:       0.67,
		PublishThreshold:    1 << 55, // placeholder network base difficulty
		AnnouncementLong:    20,
		ConfirmedDequeSize:  2048,
		MultiplierWindow:    20,
		MaxActiveElections:  100000,
		ConfirmReqHashesMax: 255,
	}
}

// ActiveTransactions is the node's election manager.
type ActiveTransactions struct {
	mu     sync.Mutex
	cfg    ActiveTransactionsConfig
	ledger *Ledger
	weight OnlineWeightSource

	roots  map[QualifiedRoot]*activeEntry
	blocks map[Hash]*Election // block hash -> owning election, for O(1) vote dispatch

	confirmed []ConfirmedStatus

	multiplierCB   []float64
	multiplierPos  int
	multiplierFull bool

	addTimestamps []time.Time // sliding window for transaction_counter

	confirmationHeight *ConfirmationHeightProcessor
}

func NewActiveTransactions(ledger *Ledger, weight OnlineWeightSource, cfg ActiveTransactionsConfig) *ActiveTransactions {
	if cfg.QuorumPercent == 0 {
		cfg = DefaultActiveTransactionsConfig()
	}
	return &ActiveTransactions{
		cfg:          cfg,
		ledger:       ledger,
		weight:       weight,
		roots:        make(map[QualifiedRoot]*activeEntry),
		blocks:       make(map[Hash]*Election),
		multiplierCB: make([]float64, cfg.MultiplierWindow),
	}
}

// SetConfirmationHeightProcessor wires the confirmation-height
// processor invoked when an election reaches quorum.
func (a *ActiveTransactions) SetConfirmationHeightProcessor(p *ConfirmationHeightProcessor) {
	a.mu.Lock()
	a.confirmationHeight = p
	a.mu.Unlock()
}

// Size returns the number of in-flight elections.
func (a *ActiveTransactions) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.roots)
}

// Start inserts an election if root is new; the election begins with
// block as its sole candidate and winner.
func (a *ActiveTransactions) Start(block *Block, onConfirm func(*Block)) *Election {
	root := qualifiedRootOf(block)
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry, ok := a.roots[root]; ok {
		return entry.election
	}
	el := &Election{
		Root:            root,
		Winner:          block,
		Blocks:          map[Hash]*Block{block.Hash(): block},
		LastVotes:       make(map[Address]VoteRecord),
		LastTally:       make(map[Hash]Amount),
		DependentBlocks: make(map[Hash]struct{}),
		ElectionStart:   time.Now(),
		onConfirm:       onConfirm,
	}
	entry := &activeEntry{root: root, rawDifficulty: workValueDifficulty(block), election: el}
	a.roots[root] = entry
	a.blocks[block.Hash()] = el
	a.recordAdd()
	statActiveElections.Set(float64(len(a.roots)))
	return el
}

// workValueDifficulty derives a nominal difficulty for a block from its
// proof-of-work nonce, used only for adjusted-difficulty ordering (the
// absolute value is meaningless outside ratio comparisons against the
// base publish threshold).
func workValueDifficulty(b *Block) uint64 {
	return workValue(b.Root(), b.Work)
}

// Publish adds an additional candidate to an existing election (a fork
// competitor arriving after the election already exists). Returns false if
// no election exists for block's root.
func (a *ActiveTransactions) Publish(block *Block) bool {
	root := qualifiedRootOf(block)
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.roots[root]
	if !ok {
		return false
	}
	h := block.Hash()
	if _, exists := entry.election.Blocks[h]; exists {
		return true
	}
	entry.election.Blocks[h] = block
	a.blocks[h] = entry.election
	return true
}

// Election looks up the election owning a block hash, if any.
func (a *ActiveTransactions) Election(hash Hash) (*Election, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	el, ok := a.blocks[hash]
	return el, ok
}

// Vote applies an incoming vote to every election it references: a
// strictly greater sequence for an unseen-or-lower voter applies and
// retallies; an equal-or-lower sequence is a replay.
func (a *ActiveTransactions) Vote(v *Vote) map[Hash]VoteClassification {
	results := make(map[Hash]VoteClassification)
	if !v.Verify() {
		for _, h := range v.HashList() {
			results[h] = VoteInvalid
		}
		statVoteClassification.WithLabelValues("invalid").Inc()
		return results
	}
	weight := a.ledger.Weight(v.Account)

	a.mu.Lock()
	touched := make(map[*Election]struct{})
	for _, h := range v.HashList() {
		el, ok := a.blocks[h]
		if !ok {
			continue
		}
		prior, seen := el.LastVotes[v.Account]
		if seen && v.Sequence <= prior.Sequence {
			results[h] = VoteReplay
			continue
		}
		el.LastVotes[v.Account] = VoteRecord{Time: time.Now(), Sequence: v.Sequence, Hash: h}
		results[h] = VoteApplied
		touched[el] = struct{}{}
	}
	for el := range touched {
		a.retally(el, weight)
	}
	a.mu.Unlock()

	for el := range touched {
		a.confirmIfQuorum(el)
	}
	for _, c := range results {
		statVoteClassification.WithLabelValues(c.String()).Inc()
	}
	return results
}

// retally recomputes LastTally for an election from its current
// last_votes. Called with a.mu held.
func (a *ActiveTransactions) retally(el *Election, _ Amount) {
	tally := make(map[Hash]Amount)
	for voter, rec := range el.LastVotes {
		w := a.ledger.Weight(voter)
		cur := tally[rec.Hash]
		sum, _ := cur.Add(w)
		tally[rec.Hash] = sum
	}
	el.LastTally = tally
	// Update the winner to the highest-tallied candidate so later reads
	// (broadcast, confirmation) see the current leader.
	var best Hash
	var bestWeight Amount
	first := true
	for h, w := range tally {
		if first || w.Cmp(bestWeight) > 0 {
			best, bestWeight, first = h, w, false
		}
	}
	if !first {
		if blk, ok := el.Blocks[best]; ok {
			el.Winner = blk
		}
	}
}

// confirmIfQuorum checks whether the election's top-tallied candidate
// has reached quorum and, if so, marks it confirmed exactly once and
// schedules confirmation-height processing.
func (a *ActiveTransactions) confirmIfQuorum(el *Election) {
	a.mu.Lock()
	if el.Confirmed || el.Stopped {
		a.mu.Unlock()
		return
	}
	var winner Hash
	var winnerWeight Amount
	first := true
	for h, w := range el.LastTally {
		if first || w.Cmp(winnerWeight) > 0 {
			winner, winnerWeight, first = h, w, false
		}
	}
	if first {
		a.mu.Unlock()
		return
	}
	online := Amount{}
	if a.weight != nil {
		online = a.weight.OnlineWeight()
	}
	quorum := amountMulFloat(online, a.cfg.QuorumPercent)
	if winnerWeight.Cmp(quorum) < 0 {
		a.mu.Unlock()
		return
	}
	el.Confirmed = true
	winnerBlock := el.Blocks[winner]
	el.Winner = winnerBlock
	a.confirmed = append(a.confirmed, ConfirmedStatus{
		Root: el.Root, Winner: winner, Duration: time.Since(el.ElectionStart),
		Announce: el.Announcements, Confirmed: true,
	})
	if len(a.confirmed) > a.cfg.ConfirmedDequeSize {
		a.confirmed = a.confirmed[len(a.confirmed)-a.cfg.ConfirmedDequeSize:]
	}
	delete(a.roots, el.Root)
	for h := range el.Blocks {
		delete(a.blocks, h)
	}
	statActiveElections.Set(float64(len(a.roots)))
	statElectionsConfirmed.Inc()
	chp := a.confirmationHeight
	a.mu.Unlock()

	if el.onConfirm != nil {
		el.onConfirm(winnerBlock)
	}
	if chp != nil && winnerBlock != nil {
		chp.Add(winnerBlock.Hash())
	}
}

func amountMulFloat(a Amount, f float64) Amount {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(a.Big()), big.NewFloat(f))
	out, _ := scaled.Int(nil)
	return AmountFromBig(out)
}

// --- Adjusted difficulty ---

const adjustedDifficultyOverflowLimit = 1e10

// AdjustDifficulties recomputes every active election's adjusted_difficulty
// by partitioning the election graph into connected components (reached
// via previous/source/link/dependent_blocks edges) and, within each
// component, assigning adjusted = average + level/divider, where level is
// the signed depth from an arbitrary seed in that component and average is
// the mean difficulty-multiplier across the whole component (constant
// within the component, so predecessors always outrank dependents).
func (a *ActiveTransactions) AdjustDifficulties() {
	a.mu.Lock()
	defer a.mu.Unlock()

	visited := make(map[QualifiedRoot]bool)
	for root := range a.roots {
		if visited[root] {
			continue
		}
		component := a.reachableComponent(root, visited)
		if len(component) == 0 {
			continue
		}
		var sum float64
		for _, lvl := range component {
			sum += DifficultyMultiplier(a.roots[lvl.root].rawDifficulty, a.cfg.PublishThreshold)
		}
		avg := sum / float64(len(component))

		highest := component[0].level
		lowest := component[0].level
		for _, lvl := range component {
			if lvl.level > highest {
				highest = lvl.level
			}
			if lvl.level < lowest {
				lowest = lvl.level
			}
		}
		divider := 1.0
		if avg+float64(highest) > adjustedDifficultyOverflowLimit {
			divider = (avg + float64(highest)) / adjustedDifficultyOverflowLimit
		}
		for _, lvl := range component {
			a.roots[lvl.root].adjustedDifficulty = avg + float64(lvl.level)/divider
		}
	}

	a.pushMultiplierSample()
}

type leveledRoot struct {
	root  QualifiedRoot
	level int
}

// reachableComponent performs a level-labeled BFS over the election graph
// starting at seed (level 0), marking every visited root in `visited`.
func (a *ActiveTransactions) reachableComponent(seed QualifiedRoot, visited map[QualifiedRoot]bool) []leveledRoot {
	type queueItem struct {
		root  QualifiedRoot
		level int
	}
	queue := []queueItem{{seed, 0}}
	visited[seed] = true
	var out []leveledRoot
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, leveledRoot{cur.root, cur.level})
		entry, ok := a.roots[cur.root]
		if !ok {
			continue
		}
		winner := entry.election.Winner
		if winner == nil {
			continue
		}
		// Predecessor edges (previous, and source/link for receive-shaped
		// blocks) sit one level above (positive direction).
		for _, dep := range a.ancestorHashes(winner) {
			if el, ok := a.blocks[dep]; ok {
				root := el.Root
				if !visited[root] {
					visited[root] = true
					queue = append(queue, queueItem{root, cur.level + 1})
				}
			}
		}
		// Explicit dependents sit one level below (negative direction).
		for dep := range entry.election.DependentBlocks {
			if el, ok := a.blocks[dep]; ok {
				root := el.Root
				if !visited[root] {
					visited[root] = true
					queue = append(queue, queueItem{root, cur.level - 1})
				}
			}
		}
	}
	return out
}

func (a *ActiveTransactions) ancestorHashes(b *Block) []Hash {
	var out []Hash
	if !b.Previous.IsZero() {
		out = append(out, b.Previous)
	}
	src := a.ledger.BlockSource(b)
	if !src.IsZero() {
		out = append(out, src)
	}
	return out
}

// pushMultiplierSample records the median adjusted-difficulty multiplier
// across all active elections into the trended-difficulty ring buffer.
func (a *ActiveTransactions) pushMultiplierSample() {
	if len(a.roots) == 0 {
		return
	}
	// adjustedDifficulty is already in multiplier space (average of
	// multipliers plus the level term), so it is sampled directly.
	multipliers := make([]float64, 0, len(a.roots))
	for _, e := range a.roots {
		multipliers = append(multipliers, e.adjustedDifficulty)
	}
	sort.Float64s(multipliers)
	median := multipliers[len(multipliers)/2]

	a.multiplierCB[a.multiplierPos] = median
	a.multiplierPos = (a.multiplierPos + 1) % len(a.multiplierCB)
	if a.multiplierPos == 0 {
		a.multiplierFull = true
	}
	statActiveTrendedDifficulty.Set(a.trendedDifficultyLocked())
}

// TrendedDifficulty returns the arithmetic mean of the multiplier ring
// buffer, floor-clamped at 1.0 (never below the base publish threshold).
func (a *ActiveTransactions) TrendedDifficulty() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trendedDifficultyLocked()
}

func (a *ActiveTransactions) trendedDifficultyLocked() float64 {
	n := len(a.multiplierCB)
	if !a.multiplierFull {
		n = a.multiplierPos
	}
	if n == 0 {
		return 1.0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a.multiplierCB[i]
	}
	mean := sum / float64(n)
	if mean < 1.0 {
		return 1.0
	}
	return mean
}

// --- Flushing under load ---

func (a *ActiveTransactions) recordAdd() {
	now := time.Now()
	a.addTimestamps = append(a.addTimestamps, now)
	cutoff := now.Add(-1 * time.Second)
	i := 0
	for i < len(a.addTimestamps) && a.addTimestamps[i].Before(cutoff) {
		i++
	}
	a.addTimestamps = a.addTimestamps[i:]
}

func (a *ActiveTransactions) addRateLocked() int {
	return len(a.addTimestamps)
}

// flushThresholds maps the recent add rate to the minimum election
// count and long-unconfirmed fraction that trigger a flush. A negative
// ratioTrigger means size alone triggers it. minSize never exceeds the
// 100000 hard cap.
func flushThresholds(rate int) (minSize int, ratioTrigger float64) {
	switch {
	case rate == 0:
		return 512, -1
	case rate <= 10:
		return rate * 512, 0.75
	case rate <= 100:
		return rate * 512, 0.50
	case rate <= 1000:
		if rate*512 > 100000 {
			return 100000, 0.25
		}
		return rate * 512, 0.25
	default:
		return 100000, -1
	}
}

// FlushUnderLoad evicts the two lowest-priority (by adjusted
// difficulty) non-wallet-managed elections when the load thresholds are
// exceeded. Returns the number of elections evicted.
func (a *ActiveTransactions) FlushUnderLoad() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	rate := a.addRateLocked()
	minSize, ratioTrigger := flushThresholds(rate)
	if len(a.roots) <= minSize {
		return 0
	}
	var longUnconfirmed int
	for _, e := range a.roots {
		if e.election.Announcements > a.cfg.AnnouncementLong && !e.election.Confirmed {
			longUnconfirmed++
		}
	}
	fraction := float64(longUnconfirmed) / float64(len(a.roots))
	if ratioTrigger >= 0 && fraction <= ratioTrigger {
		return 0
	}

	candidates := make([]*activeEntry, 0, len(a.roots))
	for _, e := range a.roots {
		if !e.election.WalletWatched {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].adjustedDifficulty < candidates[j].adjustedDifficulty
	})
	evicted := 0
	for i := 0; i < 2 && i < len(candidates); i++ {
		e := candidates[i]
		e.election.Stopped = true
		delete(a.roots, e.root)
		for h := range e.election.Blocks {
			delete(a.blocks, h)
		}
		evicted++
		statElectionsFlushed.Inc()
	}
	statActiveElections.Set(float64(len(a.roots)))
	return evicted
}

// --- Frontier confirmation sweep ---

// FrontierSweep iterates the account tables starting just past cursor,
// starting an election for every account whose block_count differs from
// its confirmation_height, up to maxAccounts. It returns the cursor to
// resume from on the next call (nil once a full pass completes).
func (a *ActiveTransactions) FrontierSweep(store Store, cursor []byte, maxAccounts int) (next []byte, err error) {
	started := 0
	var lastKey []byte
	for _, table := range []string{TableAccountsV0, TableAccountsV1} {
		err = store.View(func(txn Txn) error {
			return txn.Iterate(table, nil, func(key, value []byte) bool {
				if started >= maxAccounts {
					return false
				}
				if cursor != nil && bytes.Compare(key, cursor) <= 0 {
					return true
				}
				ai, decErr := decodeAccountInfo(value)
				if decErr != nil {
					return true
				}
				lastKey = append(lastKey[:0], key...)
				if ai.BlockCount != ai.ConfirmationHeight {
					if stored, ok, lookupErr := lookupHeadBlock(txn, ai.Head); lookupErr == nil && ok {
						a.Start(stored.Block, nil)
						started++
					}
				}
				return true
			})
		})
		if err != nil {
			return nil, err
		}
		if started >= maxAccounts {
			break
		}
		cursor = nil // move to next table from the beginning
	}
	if started < maxAccounts {
		return nil, nil // completed a full pass; caller resets cursor
	}
	return append([]byte(nil), lastKey...), nil
}

func lookupHeadBlock(txn Txn, head Hash) (StoredBlock, bool, error) {
	return lookupBlock(txn, head)
}
