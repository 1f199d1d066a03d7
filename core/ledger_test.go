package core

import (
	"reflect"
	"testing"
)

// ledgerStateTables are the tables whose contents must be restored
// exactly by a rollback (account_info, frontiers, pending,
// representation, and the block records themselves).
var ledgerStateTables = []string{
	TableFrontiers, TableAccountsV0, TableAccountsV1,
	TableSendBlocks, TableRecvBlocks, TableOpenBlocks, TableChangeBlocks,
	TableStateV0, TableStateV1,
	TablePendingV0, TablePendingV1,
	TableRepresent,
}

// snapshotLedgerState captures every ledger-state table, zeroing
// AccountInfo.Modified (a wall-clock field rollback cannot and need not
// restore).
func snapshotLedgerState(t *testing.T, store Store) map[string]map[string][]byte {
	t.Helper()
	out := make(map[string]map[string][]byte)
	err := store.View(func(txn Txn) error {
		for _, tbl := range ledgerStateTables {
			out[tbl] = make(map[string][]byte)
			if err := txn.Iterate(tbl, nil, func(k, v []byte) bool {
				val := append([]byte(nil), v...)
				if tbl == TableAccountsV0 || tbl == TableAccountsV1 {
					for i := 112; i < 120; i++ {
						val[i] = 0
					}
				}
				out[tbl][string(k)] = val
				return true
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return out
}

func accountInfoOf(t *testing.T, store Store, a Address) (AccountInfo, uint8) {
	t.Helper()
	var ai AccountInfo
	var epoch uint8
	err := store.View(func(txn Txn) error {
		var ok bool
		var err error
		ai, epoch, ok, err = lookupAccountInfo(txn, a)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("account %s missing", a)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	return ai, epoch
}

func TestLedgerSendOpenMovesFunds(t *testing.T) {
	ledger, ga, b, sendHash, _ := buildTwoAccountChain(t)

	gaInfo, _ := accountInfoOf(t, ledger.store, ga.Address)
	if gaInfo.Balance.Cmp(AmountFromUint64(999_000)) != 0 {
		t.Fatalf("sender balance = %+v, want 999000", gaInfo.Balance)
	}
	bInfo, _ := accountInfoOf(t, ledger.store, b.Address)
	if bInfo.Balance.Cmp(AmountFromUint64(1_000)) != 0 {
		t.Fatalf("recipient balance = %+v, want 1000", bInfo.Balance)
	}

	// The pending entry must be consumed by the open.
	err := ledger.store.View(func(txn Txn) error {
		if _, _, ok, err := findPending(txn, b.Address, sendHash); err != nil {
			return err
		} else if ok {
			t.Fatal("pending entry survived the matching open")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestLedgerStateSendAndStateOpen(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store, LedgerConfig{})
	ga, _ := GenerateKeyPair()
	k, _ := GenerateKeyPair()
	genesisCfg := GenesisConfig{Network: NetworkTest, GenesisAccount: ga.Address, Representative: ga.Address, TotalSupply: AmountFromUint64(1_000_000)}
	genesisOpen, err := BuildGenesis(store, ledger, ga, genesisCfg)
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}

	send := &Block{
		Type:           BlockState,
		Account:        ga.Address,
		Previous:       genesisOpen.Hash(),
		Representative: ga.Address,
		Balance:        AmountFromUint64(999_990),
		Link:           Hash(k.Address),
	}
	send.Signature = ga.Sign(send.Hashables())
	if res, err := ledger.Process(send); err != nil || res != ResultProgress {
		t.Fatalf("state send: result=%v err=%v", res, err)
	}

	err = store.View(func(txn Txn) error {
		pend, _, ok, err := findPending(txn, k.Address, send.Hash())
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("state send created no pending entry")
		}
		if pend.Amount.Cmp(AmountFromUint64(10)) != 0 {
			t.Fatalf("pending amount = %+v, want 10", pend.Amount)
		}
		if pend.Source != ga.Address {
			t.Fatal("pending source is not the sender")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	open := &Block{
		Type:           BlockState,
		Account:        k.Address,
		Representative: k.Address,
		Balance:        AmountFromUint64(10),
		Link:           send.Hash(),
	}
	open.Signature = k.Sign(open.Hashables())
	if res, err := ledger.Process(open); err != nil || res != ResultProgress {
		t.Fatalf("state open: result=%v err=%v", res, err)
	}
	kInfo, _ := accountInfoOf(t, store, k.Address)
	if kInfo.Balance.Cmp(AmountFromUint64(10)) != 0 {
		t.Fatalf("opened balance = %+v, want 10", kInfo.Balance)
	}
	if kInfo.BlockCount != 1 || kInfo.OpenBlock != open.Hash() {
		t.Fatalf("opened account info wrong: %+v", kInfo)
	}
}

func TestLedgerClassifiesOldForkAndGaps(t *testing.T) {
	ledger, ga, b, sendHash, openHash := buildTwoAccountChain(t)

	// old: re-submitting an applied block.
	resend := rebuildSend(t, ledger, sendHash)
	if res, err := ledger.Process(resend); err != nil || res != ResultOld {
		t.Fatalf("duplicate send: result=%v err=%v, want old", res, err)
	}

	// fork: a second send sharing the consumed previous.
	forkSend := &Block{
		Type:        BlockSend,
		Previous:    resend.Previous,
		Destination: ga.Address, // different destination, different hash
		Balance:     AmountFromUint64(999_500),
	}
	forkSend.Signature = ga.Sign(forkSend.Hashables())
	if res, err := ledger.Process(forkSend); err != nil || res != ResultFork {
		t.Fatalf("fork send: result=%v err=%v, want fork", res, err)
	}

	// gap_previous: a block whose predecessor is unknown.
	orphan := &Block{
		Type:        BlockSend,
		Previous:    BlakeHash([]byte("missing")),
		Destination: b.Address,
		Balance:     AmountFromUint64(1),
	}
	orphan.Signature = ga.Sign(orphan.Hashables())
	if res, err := ledger.Process(orphan); err != nil || res != ResultGapPrevious {
		t.Fatalf("orphan send: result=%v err=%v, want gap_previous", res, err)
	}

	// gap_source: a receive whose source send is unknown.
	recv := &Block{
		Type:       BlockReceive,
		Previous:   openHash,
		SourceHash: BlakeHash([]byte("unknown source")),
	}
	recv.Signature = b.Sign(recv.Hashables())
	if res, err := ledger.Process(recv); err != nil || res != ResultGapSource {
		t.Fatalf("receive of unknown source: result=%v err=%v, want gap_source", res, err)
	}

	// unreceivable: the source exists but its pending entry is spent.
	respent := &Block{
		Type:       BlockReceive,
		Previous:   openHash,
		SourceHash: sendHash,
	}
	respent.Signature = b.Sign(respent.Hashables())
	if res, err := ledger.Process(respent); err != nil || res != ResultUnreceivable {
		t.Fatalf("double receive: result=%v err=%v, want unreceivable", res, err)
	}
}

// rebuildSend reloads the send block buildTwoAccountChain produced, so
// duplicate-submission paths can be exercised on a fresh instance.
func rebuildSend(t *testing.T, ledger *Ledger, sendHash Hash) *Block {
	t.Helper()
	var blk *Block
	err := ledger.store.View(func(txn Txn) error {
		stored, ok, err := lookupBlock(txn, sendHash)
		if err != nil || !ok {
			t.Fatal("send block missing from store")
		}
		blk = stored.Block
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	return blk
}

func TestLedgerNegativeSpend(t *testing.T) {
	ledger, ga, b, _, _ := buildTwoAccountChain(t)
	gaInfo, _ := accountInfoOf(t, ledger.store, ga.Address)

	overdraft := &Block{
		Type:        BlockSend,
		Previous:    gaInfo.Head,
		Destination: b.Address,
		Balance:     AmountFromUint64(2_000_000), // above the current balance: "negative" spend
	}
	overdraft.Signature = ga.Sign(overdraft.Hashables())
	if res, err := ledger.Process(overdraft); err != nil || res != ResultNegativeSpend {
		t.Fatalf("overdraft: result=%v err=%v, want negative_spend", res, err)
	}
}

func TestLedgerBadSignature(t *testing.T) {
	ledger, ga, b, _, _ := buildTwoAccountChain(t)
	gaInfo, _ := accountInfoOf(t, ledger.store, ga.Address)

	send := &Block{
		Type:        BlockSend,
		Previous:    gaInfo.Head,
		Destination: b.Address,
		Balance:     AmountFromUint64(999_999),
	}
	send.Signature = b.Sign(send.Hashables()) // signed by the wrong key
	if res, err := ledger.Process(send); err != nil || res != ResultBadSignature {
		t.Fatalf("mis-signed send: result=%v err=%v, want bad_signature", res, err)
	}
}

func TestLedgerRejectsBurnAccountOpen(t *testing.T) {
	burn, _ := GenerateKeyPair()
	store := NewMemoryStore()
	ledger := NewLedger(store, LedgerConfig{BurnAccount: burn.Address})

	open := &Block{
		Type:           BlockOpen,
		SourceHash:     BlakeHash([]byte("anything")),
		Representative: burn.Address,
		Account:        burn.Address,
	}
	open.Signature = burn.Sign(open.Hashables())
	if res, err := ledger.Process(open); err != nil || res != ResultOpenedBurnAccount {
		t.Fatalf("burn open: result=%v err=%v, want opened_burn_account", res, err)
	}
}

func TestLedgerEpochUpgrade(t *testing.T) {
	store := NewMemoryStore()
	ga, _ := GenerateKeyPair()
	epochSigner, _ := GenerateKeyPair()
	ledger := NewLedger(store, LedgerConfig{EpochSigner: epochSigner.Address})
	genesisCfg := GenesisConfig{Network: NetworkTest, GenesisAccount: ga.Address, Representative: ga.Address, TotalSupply: AmountFromUint64(1_000_000)}
	genesisOpen, err := BuildGenesis(store, ledger, ga, genesisCfg)
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}

	epochBlock := &Block{
		Type:           BlockState,
		Account:        ga.Address,
		Previous:       genesisOpen.Hash(),
		Representative: ga.Address, // unchanged, as the upgrade form requires
		Balance:        AmountFromUint64(1_000_000),
		Link:           EpochLink,
	}

	// Signed by the account instead of the epoch signer: rejected.
	epochBlock.Signature = ga.Sign(epochBlock.Hashables())
	if res, err := ledger.Process(epochBlock); err != nil || res != ResultBadSignature {
		t.Fatalf("self-signed epoch block: result=%v err=%v, want bad_signature", res, err)
	}

	epochBlock = &Block{
		Type:           BlockState,
		Account:        ga.Address,
		Previous:       genesisOpen.Hash(),
		Representative: ga.Address,
		Balance:        AmountFromUint64(1_000_000),
		Link:           EpochLink,
	}
	epochBlock.Signature = epochSigner.Sign(epochBlock.Hashables())
	if res, err := ledger.Process(epochBlock); err != nil || res != ResultProgress {
		t.Fatalf("epoch block: result=%v err=%v, want progress", res, err)
	}

	info, epoch := accountInfoOf(t, store, ga.Address)
	if epoch != 1 || info.Epoch != 1 {
		t.Fatalf("account epoch = %d (table %d), want 1", info.Epoch, epoch)
	}
	if info.Balance.Cmp(AmountFromUint64(1_000_000)) != 0 {
		t.Fatal("epoch upgrade moved funds")
	}

	// Any legacy-type block after the upgrade is out of position.
	k, _ := GenerateKeyPair()
	legacy := &Block{
		Type:        BlockSend,
		Previous:    epochBlock.Hash(),
		Destination: k.Address,
		Balance:     AmountFromUint64(999_000),
	}
	legacy.Signature = ga.Sign(legacy.Hashables())
	if res, err := ledger.Process(legacy); err != nil || res != ResultBlockPosition {
		t.Fatalf("legacy after epoch: result=%v err=%v, want block_position", res, err)
	}

	// State blocks continue to work on the upgraded chain.
	stateSend := &Block{
		Type:           BlockState,
		Account:        ga.Address,
		Previous:       epochBlock.Hash(),
		Representative: ga.Address,
		Balance:        AmountFromUint64(999_000),
		Link:           Hash(k.Address),
	}
	stateSend.Signature = ga.Sign(stateSend.Hashables())
	if res, err := ledger.Process(stateSend); err != nil || res != ResultProgress {
		t.Fatalf("state send after epoch: result=%v err=%v, want progress", res, err)
	}
}

func TestLedgerEpochUpgradeRejectsRepChange(t *testing.T) {
	store := NewMemoryStore()
	ga, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()
	epochSigner, _ := GenerateKeyPair()
	ledger := NewLedger(store, LedgerConfig{EpochSigner: epochSigner.Address})
	genesisCfg := GenesisConfig{Network: NetworkTest, GenesisAccount: ga.Address, Representative: ga.Address, TotalSupply: AmountFromUint64(100)}
	genesisOpen, err := BuildGenesis(store, ledger, ga, genesisCfg)
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}

	epochBlock := &Block{
		Type:           BlockState,
		Account:        ga.Address,
		Previous:       genesisOpen.Hash(),
		Representative: other.Address, // changed: not a valid upgrade form
		Balance:        AmountFromUint64(100),
		Link:           EpochLink,
	}
	epochBlock.Signature = epochSigner.Sign(epochBlock.Hashables())
	if res, err := ledger.Process(epochBlock); err != nil || res != ResultRepresentativeMismatch {
		t.Fatalf("epoch block with rep change: result=%v err=%v, want representative_mismatch", res, err)
	}
}

func TestLedgerApplyRollbackSymmetry(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store, LedgerConfig{})
	ga, _ := GenerateKeyPair()
	k, _ := GenerateKeyPair()
	genesisCfg := GenesisConfig{Network: NetworkTest, GenesisAccount: ga.Address, Representative: ga.Address, TotalSupply: AmountFromUint64(1_000_000)}
	genesisOpen, err := BuildGenesis(store, ledger, ga, genesisCfg)
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}
	snapGenesis := snapshotLedgerState(t, store)

	send := &Block{
		Type:        BlockSend,
		Previous:    genesisOpen.Hash(),
		Destination: k.Address,
		Balance:     AmountFromUint64(999_000),
	}
	send.Signature = ga.Sign(send.Hashables())
	if res, err := ledger.Process(send); err != nil || res != ResultProgress {
		t.Fatalf("send: result=%v err=%v", res, err)
	}
	snapAfterSend := snapshotLedgerState(t, store)

	open := &Block{
		Type:           BlockOpen,
		SourceHash:     send.Hash(),
		Representative: k.Address,
		Account:        k.Address,
	}
	open.Signature = k.Sign(open.Hashables())
	if res, err := ledger.Process(open); err != nil || res != ResultProgress {
		t.Fatalf("open: result=%v err=%v", res, err)
	}

	if err := ledger.Rollback(open.Hash()); err != nil {
		t.Fatalf("rollback open: %v", err)
	}
	if got := snapshotLedgerState(t, store); !reflect.DeepEqual(got, snapAfterSend) {
		t.Fatal("rolling back the open did not restore the post-send state")
	}

	if err := ledger.Rollback(send.Hash()); err != nil {
		t.Fatalf("rollback send: %v", err)
	}
	if got := snapshotLedgerState(t, store); !reflect.DeepEqual(got, snapGenesis) {
		t.Fatal("rolling back the send did not restore the genesis state")
	}
}

func TestLedgerRollbackOrdering(t *testing.T) {
	ledger, _, _, sendHash, openHash := buildTwoAccountChain(t)

	// The send's pending entry was consumed by the open on the other
	// chain; the send cannot be rolled back until the open is.
	if err := ledger.Rollback(sendHash); err == nil {
		t.Fatal("rollback of a received send should fail until the receive is rolled back")
	}
	if err := ledger.Rollback(openHash); err != nil {
		t.Fatalf("rollback open: %v", err)
	}
	if err := ledger.Rollback(sendHash); err != nil {
		t.Fatalf("rollback send after open: %v", err)
	}
}

func TestLedgerRollbackRefusesConfirmed(t *testing.T) {
	ledger, ga, _, sendHash, _ := buildTwoAccountChain(t)

	err := ledger.store.Update(func(txn Txn) error {
		ai, epoch, ok, err := lookupAccountInfo(txn, ga.Address)
		if err != nil || !ok {
			t.Fatal("genesis account missing")
		}
		ai.ConfirmationHeight = ai.BlockCount
		return txn.Put(accountTable(epoch), ga.Address[:], encodeAccountInfo(ai))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := ledger.Rollback(sendHash); err == nil {
		t.Fatal("rollback of a confirmed block must be refused")
	}
}

func TestLedgerRollbackNonHeadUnwindsSuccessors(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store, LedgerConfig{})
	ga, _ := GenerateKeyPair()
	k, _ := GenerateKeyPair()
	genesisCfg := GenesisConfig{Network: NetworkTest, GenesisAccount: ga.Address, Representative: ga.Address, TotalSupply: AmountFromUint64(100)}
	genesisOpen, err := BuildGenesis(store, ledger, ga, genesisCfg)
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}

	prev := genesisOpen.Hash()
	bal := uint64(100)
	var first Hash
	for i := 0; i < 3; i++ {
		bal -= 10
		send := &Block{Type: BlockSend, Previous: prev, Destination: k.Address, Balance: AmountFromUint64(bal)}
		send.Signature = ga.Sign(send.Hashables())
		if res, err := ledger.Process(send); err != nil || res != ResultProgress {
			t.Fatalf("send %d: result=%v err=%v", i, res, err)
		}
		if i == 0 {
			first = send.Hash()
		}
		prev = send.Hash()
	}

	if err := ledger.Rollback(first); err != nil {
		t.Fatalf("rollback mid-chain: %v", err)
	}
	info, _ := accountInfoOf(t, store, ga.Address)
	if info.Head != genesisOpen.Hash() || info.BlockCount != 1 {
		t.Fatalf("after rollback head=%s count=%d, want genesis head and count 1", info.Head, info.BlockCount)
	}
	if info.Balance.Cmp(AmountFromUint64(100)) != 0 {
		t.Fatalf("after rollback balance = %+v, want 100", info.Balance)
	}
}

func TestLedgerBalanceAmountAccountQueries(t *testing.T) {
	ledger, ga, b, sendHash, openHash := buildTwoAccountChain(t)

	if bal, err := ledger.Balance(sendHash); err != nil || bal.Cmp(AmountFromUint64(999_000)) != 0 {
		t.Fatalf("Balance(send) = %+v err=%v, want 999000", bal, err)
	}
	if amt, err := ledger.Amount(sendHash); err != nil || amt.Cmp(AmountFromUint64(1_000)) != 0 {
		t.Fatalf("Amount(send) = %+v err=%v, want 1000", amt, err)
	}
	if acc, err := ledger.Account(sendHash); err != nil || acc != ga.Address {
		t.Fatalf("Account(send) = %v err=%v, want sender", acc, err)
	}
	if acc, err := ledger.Account(openHash); err != nil || acc != b.Address {
		t.Fatalf("Account(open) = %v err=%v, want recipient", acc, err)
	}
}
