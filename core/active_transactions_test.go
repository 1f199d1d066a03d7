package core

import (
	"testing"
)

type fixedWeight struct{ w Amount }

func (f fixedWeight) OnlineWeight() Amount { return f.w }

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(NewMemoryStore(), LedgerConfig{})
}

func openBlockFor(kp *KeyPair, rep Address, source Hash) *Block {
	b := &Block{
		Type:           BlockOpen,
		SourceHash:     source,
		Representative: rep,
		Account:        kp.Address,
	}
	b.Signature = kp.Sign(b.Hashables())
	return b
}

func TestActiveTransactionsStartIsIdempotentPerRoot(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	ledger := newTestLedger(t)
	active := NewActiveTransactions(ledger, fixedWeight{AmountFromUint64(100)}, DefaultActiveTransactionsConfig())

	b1 := openBlockFor(kp, kp.Address, BlakeHash([]byte("send1")))
	el1 := active.Start(b1, nil)
	el2 := active.Start(b1, nil)
	if el1 != el2 {
		t.Fatal("Start created a second election for an already-tracked root")
	}
	if active.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", active.Size())
	}
}

func TestActiveTransactionsVoteQuorumConfirms(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	voter, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	ledger := newTestLedger(t)
	// Make the voter a representative with weight by opening its account
	// against a seeded pending entry, so Ledger.Weight(voter) is nonzero.
	seedPending(t, ledger, voter.Address, AmountFromUint64(100))
	openVoter := openBlockFor(voter, voter.Address, genesisSendHash(NetworkTest))
	if res, err := ledger.Process(openVoter); err != nil || res != ResultProgress {
		t.Fatalf("process voter open: result=%v err=%v", res, err)
	}

	active := NewActiveTransactions(ledger, fixedWeight{AmountFromUint64(100)}, DefaultActiveTransactionsConfig())

	block := openBlockFor(kp, kp.Address, BlakeHash([]byte("send-confirm")))
	confirmed := make(chan *Block, 1)
	active.Start(block, func(b *Block) { confirmed <- b })

	vote := &Vote{Sequence: 1, Blocks: []*Block{block}}
	vote.Sign(voter)

	results := active.Vote(vote)
	if results[block.Hash()] != VoteApplied {
		t.Fatalf("vote classification = %v, want VoteApplied", results[block.Hash()])
	}

	select {
	case b := <-confirmed:
		if b.Hash() != block.Hash() {
			t.Fatal("onConfirm fired for the wrong block")
		}
	default:
		t.Fatal("election did not confirm after a quorum-weight vote")
	}

	if _, ok := active.Election(block.Hash()); ok {
		t.Fatal("confirmed election should be removed from the active table")
	}
}

func TestActiveTransactionsVoteReplayIsRejected(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	voter, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	ledger := newTestLedger(t)
	active := NewActiveTransactions(ledger, fixedWeight{AmountFromUint64(100)}, DefaultActiveTransactionsConfig())

	block := openBlockFor(kp, kp.Address, BlakeHash([]byte("send-replay")))
	active.Start(block, nil)

	vote := &Vote{Sequence: 5, Blocks: []*Block{block}}
	vote.Sign(voter)
	first := active.Vote(vote)
	if first[block.Hash()] != VoteApplied {
		t.Fatalf("first vote classification = %v, want VoteApplied", first[block.Hash()])
	}

	replay := &Vote{Sequence: 5, Blocks: []*Block{block}}
	replay.Sign(voter)
	second := active.Vote(replay)
	if second[block.Hash()] != VoteReplay {
		t.Fatalf("replayed vote classification = %v, want VoteReplay", second[block.Hash()])
	}
}

func TestActiveTransactionsVoteInvalidSignature(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	ledger := newTestLedger(t)
	active := NewActiveTransactions(ledger, fixedWeight{AmountFromUint64(100)}, DefaultActiveTransactionsConfig())

	block := openBlockFor(kp, kp.Address, BlakeHash([]byte("send-invalid")))
	active.Start(block, nil)

	vote := &Vote{Account: kp.Address, Sequence: 1, Blocks: []*Block{block}}
	// Signature left zeroed: does not verify against Account.
	results := active.Vote(vote)
	if results[block.Hash()] != VoteInvalid {
		t.Fatalf("vote classification = %v, want VoteInvalid", results[block.Hash()])
	}
}

func TestActiveTransactionsHigherSequenceSameBlock(t *testing.T) {
	kp, _ := GenerateKeyPair()
	voter, _ := GenerateKeyPair()
	ledger := newTestLedger(t)
	seedPending(t, ledger, voter.Address, AmountFromUint64(100))
	openVoter := openBlockFor(voter, voter.Address, genesisSendHash(NetworkTest))
	if res, err := ledger.Process(openVoter); err != nil || res != ResultProgress {
		t.Fatalf("process voter open: result=%v err=%v", res, err)
	}

	// Online weight far above the voter's 100, so the election stays
	// active and the tally remains observable across the sequence steps.
	active := NewActiveTransactions(ledger, fixedWeight{AmountFromUint64(1_000_000)}, DefaultActiveTransactionsConfig())
	block := openBlockFor(kp, kp.Address, BlakeHash([]byte("seq-steps")))
	active.Start(block, nil)

	cast := func(seq uint64) VoteClassification {
		v := &Vote{Sequence: seq, Blocks: []*Block{block}}
		v.Sign(voter)
		return active.Vote(v)[block.Hash()]
	}

	if c := cast(5); c != VoteApplied {
		t.Fatalf("sequence 5: %v, want applied", c)
	}
	if c := cast(4); c != VoteReplay {
		t.Fatalf("lower sequence 4: %v, want replay", c)
	}
	if c := cast(6); c != VoteApplied {
		t.Fatalf("higher sequence 6: %v, want applied", c)
	}

	el, ok := active.Election(block.Hash())
	if !ok {
		t.Fatal("election vanished without quorum")
	}
	active.mu.Lock()
	tally := el.LastTally[block.Hash()]
	rec := el.LastVotes[voter.Address]
	active.mu.Unlock()
	if tally.Cmp(AmountFromUint64(100)) != 0 {
		t.Fatalf("tally = %+v after same-block revote, want unchanged 100", tally)
	}
	if rec.Sequence != 6 {
		t.Fatalf("stored sequence = %d, want 6", rec.Sequence)
	}
}

func TestAdjustedDifficultyOrdersPredecessorsFirst(t *testing.T) {
	kp, _ := GenerateKeyPair()
	ledger := newTestLedger(t)
	active := NewActiveTransactions(ledger, fixedWeight{AmountFromUint64(100)}, DefaultActiveTransactionsConfig())

	open := openBlockFor(kp, kp.Address, BlakeHash([]byte("adj-src")))
	elOpen := active.Start(open, nil)

	send := &Block{Type: BlockSend, Previous: open.Hash(), Destination: kp.Address, Balance: AmountFromUint64(1)}
	send.Signature = kp.Sign(send.Hashables())
	active.Start(send, nil)

	// Link the dependent explicitly so either seed discovers the whole
	// component regardless of map iteration order.
	active.mu.Lock()
	elOpen.DependentBlocks[send.Hash()] = struct{}{}
	active.mu.Unlock()

	active.AdjustDifficulties()

	active.mu.Lock()
	openAdj := active.roots[qualifiedRootOf(open)].adjustedDifficulty
	sendAdj := active.roots[qualifiedRootOf(send)].adjustedDifficulty
	active.mu.Unlock()
	if openAdj <= sendAdj {
		t.Fatalf("predecessor adjusted %v must exceed dependent %v", openAdj, sendAdj)
	}
}

func TestFlushUnderLoadEvictsLowestPriority(t *testing.T) {
	ledger := newTestLedger(t)
	cfg := DefaultActiveTransactionsConfig()
	cfg.AnnouncementLong = 1
	active := NewActiveTransactions(ledger, fixedWeight{AmountFromUint64(100)}, cfg)

	// At rate 0 the flush threshold is 512 elections, size alone triggers.
	for i := 0; i < 520; i++ {
		kp, _ := GenerateKeyPair()
		b := openBlockFor(kp, kp.Address, BlakeHash([]byte{byte(i), byte(i >> 8)}))
		el := active.Start(b, nil)
		el.Announcements = 5 // long-unconfirmed
	}
	// Drain the add-rate window so the rate-0 row applies.
	active.mu.Lock()
	active.addTimestamps = nil
	active.mu.Unlock()

	before := active.Size()
	evicted := active.FlushUnderLoad()
	if evicted != 2 {
		t.Fatalf("evicted %d elections, want 2", evicted)
	}
	if active.Size() != before-2 {
		t.Fatalf("size %d after flush, want %d", active.Size(), before-2)
	}
}

func TestFlushThresholdsMonotonic(t *testing.T) {
	prevMin := -1
	for _, rate := range []int{0, 1, 10, 11, 100, 101, 1000, 1001} {
		minSize, _ := flushThresholds(rate)
		if minSize < prevMin {
			t.Fatalf("flushThresholds(%d) min size %d decreased from %d", rate, minSize, prevMin)
		}
		prevMin = minSize
	}
}

// seedPending writes a pending entry directly into the ledger's store, the
// same bootstrap trick genesis.go uses, so a test can open an account
// without a prior sender.
func seedPending(t *testing.T, ledger *Ledger, account Address, amount Amount) {
	t.Helper()
	hash := genesisSendHash(NetworkTest)
	err := ledger.store.Update(func(txn Txn) error {
		key := pendingKey(account, hash)
		info := PendingInfo{Source: Address{}, Amount: amount, Epoch: 0}
		return txn.Put(TablePendingV0, key, encodePendingInfo(info))
	})
	if err != nil {
		t.Fatalf("seedPending: %v", err)
	}
}
