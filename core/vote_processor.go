package core

// Vote processor: asynchronous signature verification and
// classification for incoming representative votes, with weight-tiered
// random-early-drop under queue pressure before handing valid votes to
// the active-transactions manager. Votes need no forced/priority lane
// the way blocks do, so a single bounded FIFO suffices.

import (
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WeightTier buckets a representative's voting weight for the
// random-early-drop policy: the lower the tier, the more likely the
// vote is dropped when the queue is under pressure.
type WeightTier int

const (
	TierNone WeightTier = iota // zero weight: dropped first
	TierLow
	TierMedium
	TierHigh
	TierPrincipal // above the principal representative weight cutoff: never dropped
)

func (t WeightTier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return "principal"
	}
}

// VoteProcessorConfig tunes queue capacity and the weight-tier policy.
// Tier cutoffs are not fixed amounts: each is the trended online weight
// divided by its divisor, recomputed every TierInterval so the tiers
// track the network's actual participating weight.
type VoteProcessorConfig struct {
	QueueCapacity    int
	TierInterval     time.Duration
	PrincipalDivisor uint64 // online/1000: the principal-representative cutoff
	HighDivisor      uint64
	MediumDivisor    uint64
	LowDivisor       uint64
}

func DefaultVoteProcessorConfig() VoteProcessorConfig {
	return VoteProcessorConfig{
		QueueCapacity:    4096,
		TierInterval:     time.Minute,
		PrincipalDivisor: 1_000,
		HighDivisor:      10_000,
		MediumDivisor:    100_000,
		LowDivisor:       1_000_000,
	}
}

// Active is the subset of ActiveTransactions the vote processor depends on,
// kept as an interface so tests can substitute a fake election table.
type Active interface {
	Vote(v *Vote) map[Hash]VoteClassification
}

// VoteProcessor verifies and dispatches incoming votes off the network
// receive path.
type VoteProcessor struct {
	cfg    VoteProcessorConfig
	ledger *Ledger
	active Active
	weight OnlineWeightSource

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Vote
	inFlight int
	stopped  bool

	tierMu          sync.Mutex
	principalCutoff Amount
	highCutoff      Amount
	mediumCutoff    Amount
	lowCutoff       Amount

	stopCh   chan struct{}
	stopOnce sync.Once

	rng   *rand.Rand
	rngMu sync.Mutex
}

func NewVoteProcessor(ledger *Ledger, active Active, weight OnlineWeightSource, cfg VoteProcessorConfig) *VoteProcessor {
	if cfg.QueueCapacity <= 0 {
		cfg = DefaultVoteProcessorConfig()
	}
	p := &VoteProcessor{
		cfg:    cfg,
		ledger: ledger,
		active: active,
		weight: weight,
		stopCh: make(chan struct{}),
		rng:    rand.New(rand.NewSource(0xC0FFEE)),
	}
	p.cond = sync.NewCond(&p.mu)
	p.retier()
	go p.run()
	if weight != nil && cfg.TierInterval > 0 {
		go p.tierLoop()
	}
	return p
}

// retier recomputes the tier cutoffs from the current online-weight
// estimate.
func (p *VoteProcessor) retier() {
	if p.weight == nil {
		return
	}
	online := p.weight.OnlineWeight()
	p.tierMu.Lock()
	p.principalCutoff = amountDiv(online, p.cfg.PrincipalDivisor)
	p.highCutoff = amountDiv(online, p.cfg.HighDivisor)
	p.mediumCutoff = amountDiv(online, p.cfg.MediumDivisor)
	p.lowCutoff = amountDiv(online, p.cfg.LowDivisor)
	p.tierMu.Unlock()
}

func (p *VoteProcessor) tierLoop() {
	ticker := time.NewTicker(p.cfg.TierInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.retier()
		}
	}
}

func amountDiv(a Amount, divisor uint64) Amount {
	if divisor == 0 {
		return Amount{}
	}
	return AmountFromBig(new(big.Int).Div(a.Big(), new(big.Int).SetUint64(divisor)))
}

// tierOf classifies a representative's current ledger weight against the
// last recomputed cutoffs. With no online-weight estimate yet the
// cutoffs are zero and every voter classifies as principal, so nothing
// is dropped while the denominator is unknown.
func (p *VoteProcessor) tierOf(weight Amount) WeightTier {
	p.tierMu.Lock()
	principal, high, medium, low := p.principalCutoff, p.highCutoff, p.mediumCutoff, p.lowCutoff
	p.tierMu.Unlock()
	switch {
	case weight.Cmp(principal) >= 0:
		return TierPrincipal
	case weight.Cmp(high) >= 0:
		return TierHigh
	case weight.Cmp(medium) >= 0:
		return TierMedium
	case weight.Cmp(low) >= 0:
		return TierLow
	default:
		return TierNone
	}
}

// dropProbability returns the chance [0,1) a vote from tier is dropped when
// the queue is at or above capacity. Principal representatives are never
// dropped; lower tiers are dropped more often.
func dropProbability(tier WeightTier) float64 {
	switch tier {
	case TierPrincipal:
		return 0
	case TierHigh:
		return 0.10
	case TierMedium:
		return 0.40
	case TierLow:
		return 0.75
	default:
		return 0.95
	}
}

// Add enqueues a vote for asynchronous verification. If the queue is at
// capacity, the vote may be dropped per the weight-tiered random-early-drop
// policy rather than applying unconditional backpressure.
func (p *VoteProcessor) Add(v *Vote) {
	weight := p.ledger.Weight(v.Account)
	tier := p.tierOf(weight)

	p.mu.Lock()
	if len(p.queue) >= p.cfg.QueueCapacity {
		p.rngMu.Lock()
		roll := p.rng.Float64()
		p.rngMu.Unlock()
		if roll < dropProbability(tier) {
			p.mu.Unlock()
			statVotesDropped.WithLabelValues(tier.String()).Inc()
			return
		}
	}
	p.queue = append(p.queue, v)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Flush blocks until no vote is queued or in flight.
func (p *VoteProcessor) Flush() {
	p.mu.Lock()
	for (len(p.queue) > 0 || p.inFlight > 0) && !p.stopped {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Stop halts the processing loop and the tier-recompute timer.
func (p *VoteProcessor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *VoteProcessor) run() {
	for {
		batch := p.nextBatch()
		if batch == nil {
			return
		}
		for _, v := range batch {
			p.processOne(v)
		}
		p.mu.Lock()
		p.inFlight = 0
		if len(p.queue) == 0 {
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *VoteProcessor) nextBatch() []*Vote {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.queue) > 0 {
			n := len(p.queue)
			if n > 256 {
				n = 256
			}
			batch := p.queue[:n]
			p.queue = p.queue[n:]
			p.inFlight = len(batch)
			return batch
		}
		if p.stopped {
			return nil
		}
		p.cond.Wait()
	}
}

func (p *VoteProcessor) processOne(v *Vote) {
	if !v.Verify() {
		logrus.WithField("account", v.Account.String()).Debug("vote_processor: invalid signature")
		statVoteClassification.WithLabelValues("invalid").Inc()
		return
	}
	if p.active != nil {
		p.active.Vote(v)
	}
}
