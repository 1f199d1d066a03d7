package core

import (
	"sync"
	"testing"
	"time"
)

type fakeActive struct {
	mu    sync.Mutex
	votes []*Vote
	done  chan struct{}
}

func newFakeActive(expect int) *fakeActive {
	return &fakeActive{done: make(chan struct{}, expect)}
}

func (f *fakeActive) Vote(v *Vote) map[Hash]VoteClassification {
	f.mu.Lock()
	f.votes = append(f.votes, v)
	f.mu.Unlock()
	f.done <- struct{}{}
	return map[Hash]VoteClassification{}
}

func (f *fakeActive) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.votes)
}

func TestVoteProcessorDispatchesValidVotes(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	ledger := newTestLedger(t)
	active := newFakeActive(1)
	vp := NewVoteProcessor(ledger, active, nil, DefaultVoteProcessorConfig())
	defer vp.Stop()

	vote := &Vote{Sequence: 1, Hashes: []Hash{BlakeHash([]byte("block"))}}
	vote.Sign(kp)
	vp.Add(vote)

	select {
	case <-active.done:
	case <-time.After(time.Second):
		t.Fatal("valid vote was never dispatched to Active.Vote")
	}
	if active.count() != 1 {
		t.Fatalf("count() = %d, want 1", active.count())
	}
}

func TestVoteProcessorDropsInvalidSignature(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	ledger := newTestLedger(t)
	active := newFakeActive(1)
	vp := NewVoteProcessor(ledger, active, nil, DefaultVoteProcessorConfig())
	defer vp.Stop()

	vote := &Vote{Account: kp.Address, Sequence: 1, Hashes: []Hash{BlakeHash([]byte("block"))}}
	// Signature left zeroed.
	vp.Add(vote)
	vp.Flush()

	if active.count() != 0 {
		t.Fatalf("count() = %d, want 0 for an unverifiable vote", active.count())
	}
}

func TestWeightTierClassification(t *testing.T) {
	ledger := newTestLedger(t)
	// Online weight 1e9 yields cutoffs of 1e6 (principal), 1e5 (high),
	// 1e4 (medium), and 1e3 (low).
	vp := NewVoteProcessor(ledger, newFakeActive(0), fixedWeight{AmountFromUint64(1_000_000_000)}, DefaultVoteProcessorConfig())
	defer vp.Stop()

	tests := []struct {
		weight Amount
		want   WeightTier
	}{
		{AmountFromUint64(0), TierNone},
		{AmountFromUint64(999), TierNone},
		{AmountFromUint64(1_000), TierLow},
		{AmountFromUint64(10_000), TierMedium},
		{AmountFromUint64(100_000), TierHigh},
		{AmountFromUint64(1_000_000), TierPrincipal},
	}
	for _, tt := range tests {
		if got := vp.tierOf(tt.weight); got != tt.want {
			t.Errorf("tierOf(%+v) = %v, want %v", tt.weight, got, tt.want)
		}
	}
}

type mutableWeight struct {
	mu sync.Mutex
	w  Amount
}

func (m *mutableWeight) OnlineWeight() Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w
}

func (m *mutableWeight) set(w Amount) {
	m.mu.Lock()
	m.w = w
	m.mu.Unlock()
}

func TestWeightTiersTrackOnlineWeight(t *testing.T) {
	ledger := newTestLedger(t)
	online := &mutableWeight{w: AmountFromUint64(1_000_000_000)}
	vp := NewVoteProcessor(ledger, newFakeActive(0), online, DefaultVoteProcessorConfig())
	defer vp.Stop()

	rep := AmountFromUint64(500_000)
	if got := vp.tierOf(rep); got != TierHigh {
		t.Fatalf("tierOf = %v before growth, want high", got)
	}

	// The network's participating weight grows a hundredfold; the same
	// representative now sits far below the recomputed cutoffs.
	online.set(AmountFromUint64(100_000_000_000))
	vp.retier()
	if got := vp.tierOf(rep); got != TierLow {
		t.Fatalf("tierOf = %v after growth, want low", got)
	}
}

func TestWeightTiersUnknownOnlineWeightNeverDrops(t *testing.T) {
	ledger := newTestLedger(t)
	vp := NewVoteProcessor(ledger, newFakeActive(0), nil, DefaultVoteProcessorConfig())
	defer vp.Stop()

	if got := vp.tierOf(Amount{}); got != TierPrincipal {
		t.Fatalf("tierOf with no weight source = %v, want principal (nothing dropped blind)", got)
	}
}

func TestDropProbabilityNeverDropsPrincipal(t *testing.T) {
	if dropProbability(TierPrincipal) != 0 {
		t.Fatal("principal representatives must never be dropped")
	}
	if dropProbability(TierNone) <= dropProbability(TierLow) {
		t.Fatal("zero-weight votes should be more likely to drop than low-weight votes")
	}
}
