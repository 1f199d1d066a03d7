package core

import (
	"testing"
	"time"
)

// buildTwoAccountChain sets up a genesis account GA and a second account B
// that opens by receiving a send from GA, returning both key pairs, the
// ledger, and the send/open block hashes.
func buildTwoAccountChain(t *testing.T) (ledger *Ledger, ga, b *KeyPair, sendHash, openHash Hash) {
	t.Helper()
	store := NewMemoryStore()
	ledger = NewLedger(store, LedgerConfig{})

	gaKP, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	bKP, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	genesisCfg := GenesisConfig{
		Network:        NetworkTest,
		GenesisAccount: gaKP.Address,
		Representative: gaKP.Address,
		TotalSupply:    AmountFromUint64(1_000_000),
	}
	genesisOpen, err := BuildGenesis(store, ledger, gaKP, genesisCfg)
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}

	send := &Block{
		Type:        BlockSend,
		Previous:    genesisOpen.Hash(),
		Destination: bKP.Address,
		Balance:     AmountFromUint64(999_000), // leaves 1000 sent to B
	}
	send.Signature = gaKP.Sign(send.Hashables())
	if res, err := ledger.Process(send); err != nil || res != ResultProgress {
		t.Fatalf("process send: result=%v err=%v", res, err)
	}

	open := &Block{
		Type:           BlockOpen,
		SourceHash:     send.Hash(),
		Representative: bKP.Address,
		Account:        bKP.Address,
	}
	open.Signature = bKP.Sign(open.Hashables())
	if res, err := ledger.Process(open); err != nil || res != ResultProgress {
		t.Fatalf("process open: result=%v err=%v", res, err)
	}

	return ledger, gaKP, bKP, send.Hash(), open.Hash()
}

func TestConfirmationHeightAdvancesDependencyFirst(t *testing.T) {
	ledger, ga, b, _, openHash := buildTwoAccountChain(t)

	var confirmedHashes []Hash
	chp := NewConfirmationHeightProcessor(ledger.store, DefaultConfirmationHeightConfig())
	chp.OnConfirmed(func(blk *Block) { confirmedHashes = append(confirmedHashes, blk.Hash()) })
	defer chp.Stop()

	chp.Add(openHash)
	chp.Flush()

	err := ledger.store.View(func(txn Txn) error {
		gaInfo, _, ok, err := lookupAccountInfo(txn, ga.Address)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("genesis account info missing")
		}
		if gaInfo.ConfirmationHeight != 2 {
			t.Fatalf("genesis confirmation height = %d, want 2 (genesis open plus the send B's open depends on)", gaInfo.ConfirmationHeight)
		}
		bInfo, _, ok, err := lookupAccountInfo(txn, b.Address)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("account B info missing")
		}
		if bInfo.ConfirmationHeight != 1 {
			t.Fatalf("account B confirmation height = %d, want 1", bInfo.ConfirmationHeight)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	if len(confirmedHashes) == 0 {
		t.Fatal("OnConfirmed observer never fired")
	}
}

func TestConfirmationHeightLongAlternatingChain(t *testing.T) {
	ledger, ga, b, _, openHash := buildTwoAccountChain(t)
	const rounds = 50

	gaInfo, _ := accountInfoOf(t, ledger.store, ga.Address)
	bHead := openHash
	gaHead := gaInfo.Head
	gaBalance := gaInfo.Balance
	bBalance := AmountFromUint64(1_000)

	for i := 0; i < rounds; i++ {
		gaBalance, _ = gaBalance.Sub(AmountFromUint64(1))
		send := &Block{Type: BlockSend, Previous: gaHead, Destination: b.Address, Balance: gaBalance}
		send.Signature = ga.Sign(send.Hashables())
		if res, err := ledger.Process(send); err != nil || res != ResultProgress {
			t.Fatalf("send %d: result=%v err=%v", i, res, err)
		}
		gaHead = send.Hash()

		recv := &Block{Type: BlockReceive, Previous: bHead, SourceHash: send.Hash()}
		recv.Signature = b.Sign(recv.Hashables())
		if res, err := ledger.Process(recv); err != nil || res != ResultProgress {
			t.Fatalf("receive %d: result=%v err=%v", i, res, err)
		}
		bHead = recv.Hash()
		bBalance, _ = bBalance.Add(AmountFromUint64(1))
	}

	// Small batch size forces multiple intermediate commits along the way.
	chp := NewConfirmationHeightProcessor(ledger.store, ConfirmationHeightConfig{BatchWriteSize: 8, GapLogThreshold: 20000})
	defer chp.Stop()
	chp.Add(bHead)
	chp.Flush()

	gaInfo, _ = accountInfoOf(t, ledger.store, ga.Address)
	bInfo, _ := accountInfoOf(t, ledger.store, b.Address)
	if gaInfo.ConfirmationHeight != gaInfo.BlockCount {
		t.Fatalf("sender confirmation height %d, want full chain %d", gaInfo.ConfirmationHeight, gaInfo.BlockCount)
	}
	if bInfo.ConfirmationHeight != bInfo.BlockCount {
		t.Fatalf("recipient confirmation height %d, want full chain %d", bInfo.ConfirmationHeight, bInfo.BlockCount)
	}
	if bInfo.Balance.Cmp(bBalance) != 0 {
		t.Fatalf("recipient balance %+v, want %+v", bInfo.Balance, bBalance)
	}
}

func TestFrontierSweepStartsElectionsForLaggingAccounts(t *testing.T) {
	ledger, _, _, _, _ := buildTwoAccountChain(t)
	active := NewActiveTransactions(ledger, fixedWeight{AmountFromUint64(100)}, DefaultActiveTransactionsConfig())

	// Both accounts have block_count != confirmation_height, so a full
	// sweep starts one election per frontier.
	next, err := active.FrontierSweep(ledger.store, nil, 10)
	if err != nil {
		t.Fatalf("FrontierSweep: %v", err)
	}
	if next != nil {
		t.Fatal("complete pass should reset the cursor")
	}
	if active.Size() != 2 {
		t.Fatalf("active elections = %d, want 2", active.Size())
	}
}

func TestFrontierSweepResumesFromCursor(t *testing.T) {
	ledger, _, _, _, _ := buildTwoAccountChain(t)
	active := NewActiveTransactions(ledger, fixedWeight{AmountFromUint64(100)}, DefaultActiveTransactionsConfig())

	cursor, err := active.FrontierSweep(ledger.store, nil, 1)
	if err != nil {
		t.Fatalf("FrontierSweep: %v", err)
	}
	if cursor == nil {
		t.Fatal("limited sweep should return a resume cursor")
	}
	if active.Size() != 1 {
		t.Fatalf("active elections = %d after limited sweep, want 1", active.Size())
	}

	if _, err := active.FrontierSweep(ledger.store, cursor, 1); err != nil {
		t.Fatalf("FrontierSweep resume: %v", err)
	}
	if active.Size() != 2 {
		t.Fatalf("active elections = %d after resumed sweep, want 2", active.Size())
	}
}

func TestConfirmationHeightIsIdempotent(t *testing.T) {
	ledger, _, _, _, openHash := buildTwoAccountChain(t)

	chp := NewConfirmationHeightProcessor(ledger.store, DefaultConfirmationHeightConfig())
	defer chp.Stop()

	chp.Add(openHash)
	chp.Flush()
	chp.Add(openHash) // re-adding an already-confirmed hash must be a no-op
	chp.Flush()

	err := ledger.store.View(func(txn Txn) error {
		stored, ok, err := lookupBlock(txn, openHash)
		if err != nil || !ok {
			t.Fatal("open block missing from store")
		}
		info, _, ok, err := lookupAccountInfo(txn, stored.SideBand.Account)
		if err != nil || !ok {
			t.Fatal("account info missing")
		}
		if info.ConfirmationHeight != 1 {
			t.Fatalf("confirmation height = %d, want 1 after repeated confirm", info.ConfirmationHeight)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	// Let the background goroutine settle before the deferred Stop;
	// nothing further is asserted.
	time.Sleep(10 * time.Millisecond)
}
