package core

// Ledger: the authoritative state transition. Validates and applies
// blocks to the account chains, maintains representation weights and
// pending entries, and reverses all of it on rollback.

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ProcessResult classifies the outcome of Ledger.Process.
type ProcessResult int

const (
	ResultProgress ProcessResult = iota
	ResultBadSignature
	ResultOld
	ResultNegativeSpend
	ResultFork
	ResultUnreceivable
	ResultGapPrevious
	ResultGapSource
	ResultOpenedBurnAccount
	ResultBalanceMismatch
	ResultRepresentativeMismatch
	ResultBlockPosition
)

func (r ProcessResult) String() string {
	switch r {
	case ResultProgress:
		return "progress"
	case ResultBadSignature:
		return "bad_signature"
	case ResultOld:
		return "old"
	case ResultNegativeSpend:
		return "negative_spend"
	case ResultFork:
		return "fork"
	case ResultUnreceivable:
		return "unreceivable"
	case ResultGapPrevious:
		return "gap_previous"
	case ResultGapSource:
		return "gap_source"
	case ResultOpenedBurnAccount:
		return "opened_burn_account"
	case ResultBalanceMismatch:
		return "balance_mismatch"
	case ResultRepresentativeMismatch:
		return "representative_mismatch"
	case ResultBlockPosition:
		return "block_position"
	default:
		return "unknown"
	}
}

// LedgerConfig configures network-fixed parameters the ledger needs:
// the epoch signer authorized to issue epoch-upgrade blocks and the
// designated burn account nobody may open.
type LedgerConfig struct {
	EpochSigner Address
	BurnAccount Address
}

type Ledger struct {
	mu    sync.RWMutex
	store Store
	cfg   LedgerConfig
}

func NewLedger(store Store, cfg LedgerConfig) *Ledger {
	return &Ledger{store: store, cfg: cfg}
}

func tableForType(t BlockType, epoch uint8) string {
	switch t {
	case BlockSend:
		return TableSendBlocks
	case BlockReceive:
		return TableRecvBlocks
	case BlockOpen:
		return TableOpenBlocks
	case BlockChange:
		return TableChangeBlocks
	case BlockState:
		if epoch >= 1 {
			return TableStateV1
		}
		return TableStateV0
	default:
		return ""
	}
}

var blockTables = []string{TableSendBlocks, TableRecvBlocks, TableOpenBlocks, TableChangeBlocks, TableStateV0, TableStateV1}

func lookupBlock(txn Txn, h Hash) (StoredBlock, bool, error) {
	sb, _, ok, err := lookupBlockTable(txn, h)
	return sb, ok, err
}

// lookupBlockTable additionally reports which table the block was found
// in, so callers that rewrite the record (successor linking, rollback)
// hit the same table instead of guessing by account epoch.
func lookupBlockTable(txn Txn, h Hash) (StoredBlock, string, bool, error) {
	for _, tbl := range blockTables {
		raw, ok, err := txn.Get(tbl, h[:])
		if err != nil {
			return StoredBlock{}, "", false, err
		}
		if ok {
			sb, err := decodeStoredBlock(raw)
			return sb, tbl, true, err
		}
	}
	return StoredBlock{}, "", false, nil
}

func accountTable(epoch uint8) string {
	if epoch >= 1 {
		return TableAccountsV1
	}
	return TableAccountsV0
}

// lookupAccountInfo checks both epoch tables, since the caller may not
// know an account's epoch ahead of time.
func lookupAccountInfo(txn Txn, a Address) (AccountInfo, uint8, bool, error) {
	for epoch := uint8(0); epoch <= 1; epoch++ {
		raw, ok, err := txn.Get(accountTable(epoch), a[:])
		if err != nil {
			return AccountInfo{}, 0, false, err
		}
		if ok {
			ai, err := decodeAccountInfo(raw)
			return ai, epoch, true, err
		}
	}
	return AccountInfo{}, 0, false, nil
}

func pendingTable(epoch uint8) string {
	if epoch >= 1 {
		return TablePendingV1
	}
	return TablePendingV0
}

// Weight returns the current delegated-balance weight for a
// representative account, used by active_transactions for quorum and by
// rep_crawler for online-weight sampling.
func (l *Ledger) Weight(account Address) Amount {
	var w Amount
	_ = l.store.View(func(txn Txn) error {
		raw, ok, err := txn.Get(TableRepresent, account[:])
		if err != nil || !ok {
			return err
		}
		w, err = decodeAmount(raw)
		return err
	})
	return w
}

func addWeight(txn Txn, account Address, delta Amount, negative bool) error {
	if account.IsZero() {
		return nil
	}
	raw, ok, err := txn.Get(TableRepresent, account[:])
	if err != nil {
		return err
	}
	var cur Amount
	if ok {
		cur, err = decodeAmount(raw)
		if err != nil {
			return err
		}
	}
	var next Amount
	if negative {
		var underflow bool
		next, underflow = cur.Sub(delta)
		if underflow {
			next = Amount{}
		}
	} else {
		next, _ = cur.Add(delta)
	}
	// Zero weights are removed rather than stored, so rollback restores
	// the table to its exact pre-apply state.
	if next.Cmp(Amount{}) == 0 {
		return txn.Delete(TableRepresent, account[:])
	}
	return txn.Put(TableRepresent, account[:], encodeAmount(next))
}

// moveWeight detaches oldBalance from oldRep and attaches newBalance to
// newRep; called once per applied block with the account's balance and
// representative before and after, which is simpler and less error-prone
// than tracking per-field deltas across the three ways a block can change
// an account (send, receive, representative change).
func moveWeight(txn Txn, oldRep Address, oldBalance Amount, newRep Address, newBalance Amount) error {
	if err := addWeight(txn, oldRep, oldBalance, true); err != nil {
		return err
	}
	return addWeight(txn, newRep, newBalance, false)
}

// IsEpochLink reports whether link is the network epoch marker.
func (l *Ledger) IsEpochLink(link Hash) bool { return link == EpochLink }

// VerifyStateBlockSignature checks a state block's Ed25519 signature
// against its claimed account, or against the network epoch signer
// whenever the link is the epoch marker; unlike Ledger.Process it does
// not check that the balance is unchanged. The block processor calls it
// for state batches without using the result; Ledger.Process verifies
// authoritatively.
func (l *Ledger) VerifyStateBlockSignature(b *Block) bool {
	if b.IsEpochLink() {
		return VerifySignature(l.cfg.EpochSigner, b.Hashables(), b.Signature)
	}
	return VerifySignature(b.Account, b.Hashables(), b.Signature)
}

// BlockExists reports whether a block hash is present in the ledger.
func (l *Ledger) BlockExists(h Hash) bool {
	exists := false
	_ = l.store.View(func(txn Txn) error {
		_, ok, err := lookupBlock(txn, h)
		exists = ok
		return err
	})
	return exists
}

// Frontier returns an account's head hash and the head block's root, the
// (hash, root) pair a confirm_req names when soliciting a vote on the
// account's frontier.
func (l *Ledger) Frontier(account Address) (head Hash, root Hash, ok bool) {
	_ = l.store.View(func(txn Txn) error {
		ai, _, found, err := lookupAccountInfo(txn, account)
		if err != nil || !found {
			return err
		}
		stored, found, err := lookupBlock(txn, ai.Head)
		if err != nil || !found {
			return err
		}
		head = ai.Head
		root = stored.Block.Root()
		ok = true
		return nil
	})
	return head, root, ok
}

// Account returns the owning account of a stored block.
func (l *Ledger) Account(h Hash) (Address, error) {
	var acc Address
	err := l.store.View(func(txn Txn) error {
		sb, ok, err := lookupBlock(txn, h)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ledger: block %s not found", h)
		}
		acc = sb.SideBand.Account
		return nil
	})
	return acc, err
}

// Balance returns the account balance as of the given block hash.
func (l *Ledger) Balance(h Hash) (Amount, error) {
	var bal Amount
	err := l.store.View(func(txn Txn) error {
		sb, ok, err := lookupBlock(txn, h)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ledger: block %s not found", h)
		}
		bal = sb.SideBand.Balance
		return nil
	})
	return bal, err
}

// Amount returns the value moved by a block (the absolute delta versus
// its predecessor).
func (l *Ledger) Amount(h Hash) (Amount, error) {
	var amt Amount
	err := l.store.View(func(txn Txn) error {
		sb, ok, err := lookupBlock(txn, h)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ledger: block %s not found", h)
		}
		if sb.Block.Previous.IsZero() {
			amt = sb.SideBand.Balance
			return nil
		}
		prev, ok, err := lookupBlock(txn, sb.Block.Previous)
		if err != nil || !ok {
			return err
		}
		if sb.SideBand.Balance.Cmp(prev.SideBand.Balance) >= 0 {
			amt, _ = sb.SideBand.Balance.Sub(prev.SideBand.Balance)
		} else {
			amt, _ = prev.SideBand.Balance.Sub(sb.SideBand.Balance)
		}
		return nil
	})
	return amt, err
}

// BlockSource returns the source hash of an open or receive block. For a
// state block it returns the link unless the link is the epoch marker,
// whether the block is a send or a receive; it does not tell the two
// apart.
func (l *Ledger) BlockSource(b *Block) Hash {
	switch b.Type {
	case BlockOpen, BlockReceive:
		return b.SourceHash
	case BlockState:
		if b.IsEpochLink() {
			return Hash{}
		}
		return b.Link
	default:
		return Hash{}
	}
}

// CouldFit reports whether b's dependencies (previous, and source for
// receive-shaped blocks) are already present, a cheap pre-check ahead of
// a full Process call. The block processor does not call it.
func (l *Ledger) CouldFit(b *Block) bool {
	fits := true
	_ = l.store.View(func(txn Txn) error {
		if !b.Previous.IsZero() {
			prev, ok, _ := lookupBlock(txn, b.Previous)
			if !ok {
				fits = false
				return nil
			}
			// A state block that does not raise the balance is a send or
			// a change: its link is not a source.
			if b.Type == BlockState && b.Balance.Cmp(prev.SideBand.Balance) <= 0 {
				return nil
			}
		}
		if src := l.BlockSource(b); !src.IsZero() {
			if _, ok, _ := lookupBlock(txn, src); !ok {
				fits = false
			}
		}
		return nil
	})
	return fits
}

// Process validates and, on success, applies a block to the ledger.
func (l *Ledger) Process(b *Block) (ProcessResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result ProcessResult
	err := l.store.Update(func(txn Txn) error {
		r, applyErr := l.processLocked(txn, b)
		result = r
		if r != ResultProgress || applyErr != nil {
			return errAbortCommit
		}
		return nil
	})
	if err == errAbortCommit {
		err = nil
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{"hash": b.Hash().String(), "type": b.Type.String()}).Warnf("ledger: process error: %v", err)
	}
	statProcessResult.WithLabelValues(result.String()).Inc()
	return result, err
}

var errAbortCommit = fmt.Errorf("ledger: abort commit (non-progress result)")

func (l *Ledger) processLocked(txn Txn, b *Block) (ProcessResult, error) {
	h := b.Hash()
	if _, ok, err := lookupBlock(txn, h); err != nil {
		return ResultOld, err
	} else if ok {
		return ResultOld, nil
	}

	switch b.Type {
	case BlockState:
		return l.processState(txn, b, h)
	case BlockOpen:
		return l.processOpen(txn, b, h)
	case BlockSend:
		return l.processLegacy(txn, b, h, applySend)
	case BlockReceive:
		return l.processLegacy(txn, b, h, applyReceive)
	case BlockChange:
		return l.processLegacy(txn, b, h, applyChange)
	default:
		return ResultBlockPosition, fmt.Errorf("ledger: unsupported block type %s", b.Type)
	}
}

func (l *Ledger) processOpen(txn Txn, b *Block, h Hash) (ProcessResult, error) {
	if !b.Account.IsZero() && b.Account == l.cfg.BurnAccount {
		return ResultOpenedBurnAccount, nil
	}
	if _, _, ok, err := lookupAccountInfo(txn, b.Account); err != nil {
		return ResultFork, err
	} else if ok {
		return ResultFork, nil
	}
	pend, epoch, ok, err := findPending(txn, b.Account, b.SourceHash)
	if err != nil {
		return ResultGapSource, err
	}
	if !ok {
		if _, srcOk, _ := lookupBlock(txn, b.SourceHash); !srcOk {
			return ResultGapSource, nil
		}
		return ResultUnreceivable, nil
	}
	if !VerifySignature(b.Account, b.Hashables(), b.Signature) {
		return ResultBadSignature, nil
	}
	ai := AccountInfo{
		Head: h, OpenBlock: h, RepBlock: h,
		Balance: pend.Amount, Modified: nowUnix(), BlockCount: 1,
		ConfirmationHeight: 0, Epoch: epoch,
	}
	if err := moveWeight(txn, Address{}, Amount{}, b.Representative, pend.Amount); err != nil {
		return ResultProgress, err
	}
	if err := txn.Delete(pendingTable(epoch), pendingKey(b.Account, b.SourceHash)); err != nil {
		return ResultProgress, err
	}
	sb := SideBand{Account: b.Account, Balance: pend.Amount, Height: 1, Timestamp: nowUnix(), Type: BlockOpen}
	if err := storeBlock(txn, b, sb, epoch); err != nil {
		return ResultProgress, err
	}
	return ResultProgress, commitNewHead(txn, b.Account, ai, nil)
}

type legacyApply func(txn Txn, b *Block, h Hash, acct Address, ai AccountInfo, epoch uint8) (ProcessResult, error)

func (l *Ledger) processLegacy(txn Txn, b *Block, h Hash, apply legacyApply) (ProcessResult, error) {
	prev, ok, err := lookupBlock(txn, b.Previous)
	if err != nil {
		return ResultGapPrevious, err
	}
	if !ok {
		return ResultGapPrevious, nil
	}
	acct := prev.SideBand.Account
	ai, epoch, ok, err := lookupAccountInfo(txn, acct)
	if err != nil {
		return ResultFork, err
	}
	if !ok {
		return ResultFork, nil
	}
	if ai.Epoch >= 1 {
		return ResultBlockPosition, nil
	}
	if ai.Head != b.Previous {
		return ResultFork, nil
	}
	if !VerifySignature(acct, b.Hashables(), b.Signature) {
		return ResultBadSignature, nil
	}
	return apply(txn, b, h, acct, ai, epoch)
}

func applySend(txn Txn, b *Block, h Hash, acct Address, ai AccountInfo, epoch uint8) (ProcessResult, error) {
	amount, negative := ai.Balance.Sub(b.Balance)
	if negative {
		return ResultNegativeSpend, nil
	}
	rep := repOf(txn, acct)
	if err := moveWeight(txn, rep, ai.Balance, rep, b.Balance); err != nil {
		return ResultProgress, err
	}
	if err := txn.Put(pendingTable(epoch), pendingKey(b.Destination, h), encodePendingInfo(PendingInfo{Source: acct, Amount: amount, Epoch: epoch})); err != nil {
		return ResultProgress, err
	}
	prevHeight := blockHeight(txn, b.Previous)
	sb := SideBand{Account: acct, Balance: b.Balance, Height: prevHeight + 1, Timestamp: nowUnix(), Type: BlockSend}
	if err := storeBlock(txn, b, sb, epoch); err != nil {
		return ResultProgress, err
	}
	newAI := AccountInfo{Head: h, OpenBlock: ai.OpenBlock, RepBlock: ai.RepBlock, Balance: b.Balance, Modified: nowUnix(), BlockCount: ai.BlockCount + 1, ConfirmationHeight: ai.ConfirmationHeight, Epoch: epoch}
	if err := commitNewHead(txn, acct, newAI, &b.Previous); err != nil {
		return ResultProgress, err
	}
	return ResultProgress, linkSuccessor(txn, b.Previous, h)
}

func applyReceive(txn Txn, b *Block, h Hash, acct Address, ai AccountInfo, epoch uint8) (ProcessResult, error) {
	pend, pendEpoch, ok, err := findPending(txn, acct, b.SourceHash)
	if err != nil {
		return ResultGapSource, err
	}
	if !ok {
		if _, srcOk, _ := lookupBlock(txn, b.SourceHash); !srcOk {
			return ResultGapSource, nil
		}
		return ResultUnreceivable, nil
	}
	newBal, overflow := ai.Balance.Add(pend.Amount)
	if overflow {
		return ResultBalanceMismatch, nil
	}
	rep := repOf(txn, acct)
	if err := moveWeight(txn, rep, ai.Balance, rep, newBal); err != nil {
		return ResultProgress, err
	}
	if err := txn.Delete(pendingTable(pendEpoch), pendingKey(acct, b.SourceHash)); err != nil {
		return ResultProgress, err
	}
	prevHeight := blockHeight(txn, b.Previous)
	sb := SideBand{Account: acct, Balance: newBal, Height: prevHeight + 1, Timestamp: nowUnix(), Type: BlockReceive}
	if err := storeBlock(txn, b, sb, epoch); err != nil {
		return ResultProgress, err
	}
	newAI := AccountInfo{Head: h, OpenBlock: ai.OpenBlock, RepBlock: ai.RepBlock, Balance: newBal, Modified: nowUnix(), BlockCount: ai.BlockCount + 1, ConfirmationHeight: ai.ConfirmationHeight, Epoch: epoch}
	if err := commitNewHead(txn, acct, newAI, &b.Previous); err != nil {
		return ResultProgress, err
	}
	return ResultProgress, linkSuccessor(txn, b.Previous, h)
}

func applyChange(txn Txn, b *Block, h Hash, acct Address, ai AccountInfo, epoch uint8) (ProcessResult, error) {
	oldRep := repOf(txn, acct)
	if err := moveWeight(txn, oldRep, ai.Balance, b.Representative, ai.Balance); err != nil {
		return ResultProgress, err
	}
	prevHeight := blockHeight(txn, b.Previous)
	sb := SideBand{Account: acct, Balance: ai.Balance, Height: prevHeight + 1, Timestamp: nowUnix(), Type: BlockChange}
	if err := storeBlock(txn, b, sb, epoch); err != nil {
		return ResultProgress, err
	}
	newAI := AccountInfo{Head: h, OpenBlock: ai.OpenBlock, RepBlock: h, Balance: ai.Balance, Modified: nowUnix(), BlockCount: ai.BlockCount + 1, ConfirmationHeight: ai.ConfirmationHeight, Epoch: epoch}
	if err := commitNewHead(txn, acct, newAI, &b.Previous); err != nil {
		return ResultProgress, err
	}
	return ResultProgress, linkSuccessor(txn, b.Previous, h)
}

// processState handles the unified send/receive/open/epoch/change-only
// forms a state block can take, keyed off the balance delta versus its
// predecessor.
func (l *Ledger) processState(txn Txn, b *Block, h Hash) (ProcessResult, error) {
	ai, epoch, existed, err := lookupAccountInfo(txn, b.Account)
	if err != nil {
		return ResultFork, err
	}

	if !existed {
		if !b.Account.IsZero() && b.Account == l.cfg.BurnAccount {
			return ResultOpenedBurnAccount, nil
		}
		if !b.Previous.IsZero() {
			return ResultGapPrevious, nil
		}
		if b.Balance.Cmp(Amount{}) <= 0 {
			return ResultUnreceivable, nil
		}
		if !VerifySignature(b.Account, b.Hashables(), b.Signature) {
			return ResultBadSignature, nil
		}
		pend, pendEpoch, ok, err := findPending(txn, b.Account, b.Link)
		if err != nil {
			return ResultGapSource, err
		}
		if !ok {
			if _, srcOk, _ := lookupBlock(txn, b.Link); !srcOk {
				return ResultGapSource, nil
			}
			return ResultUnreceivable, nil
		}
		if pend.Amount.Cmp(b.Balance) != 0 {
			return ResultBalanceMismatch, nil
		}
		if err := moveWeight(txn, Address{}, Amount{}, b.Representative, b.Balance); err != nil {
			return ResultProgress, err
		}
		if err := txn.Delete(pendingTable(pendEpoch), pendingKey(b.Account, b.Link)); err != nil {
			return ResultProgress, err
		}
		sb := SideBand{Account: b.Account, Balance: b.Balance, Height: 1, Timestamp: nowUnix(), Type: BlockState}
		if err := storeBlock(txn, b, sb, pendEpoch); err != nil {
			return ResultProgress, err
		}
		newAI := AccountInfo{Head: h, OpenBlock: h, RepBlock: h, Balance: b.Balance, Modified: nowUnix(), BlockCount: 1, Epoch: pendEpoch}
		return ResultProgress, commitNewHead(txn, b.Account, newAI, nil)
	}

	if ai.Head != b.Previous {
		if _, ok, _ := lookupBlock(txn, b.Previous); ok {
			return ResultFork, nil
		}
		return ResultGapPrevious, nil
	}
	if ai.Epoch >= 2 {
		return ResultBlockPosition, nil
	}
	oldRep := repOf(txn, b.Account)
	cmp := b.Balance.Cmp(ai.Balance)
	// The epoch-signer exemption applies only to the epoch-upgrade form
	// (link == marker, balance unchanged); an epoch-marker link on a
	// balance-moving block is an ordinary transfer and keeps the normal
	// account-signature rule.
	isEpochUpgrade := b.IsEpochLink() && cmp == 0
	if isEpochUpgrade {
		if !VerifySignature(l.cfg.EpochSigner, b.Hashables(), b.Signature) {
			return ResultBadSignature, nil
		}
	} else if !VerifySignature(b.Account, b.Hashables(), b.Signature) {
		return ResultBadSignature, nil
	}

	nextEpoch := epoch
	switch {
	case cmp < 0: // send
		amount, underflow := ai.Balance.Sub(b.Balance)
		if underflow {
			return ResultNegativeSpend, nil
		}
		if err := txn.Put(pendingTable(epoch), pendingKey(addressFromHash(b.Link), h), encodePendingInfo(PendingInfo{Source: b.Account, Amount: amount, Epoch: epoch})); err != nil {
			return ResultProgress, err
		}
	case cmp > 0: // receive
		amount, _ := b.Balance.Sub(ai.Balance)
		pend, pendEpoch, ok, err := findPending(txn, b.Account, b.Link)
		if err != nil {
			return ResultGapSource, err
		}
		if !ok {
			if _, srcOk, _ := lookupBlock(txn, b.Link); !srcOk {
				return ResultGapSource, nil
			}
			return ResultUnreceivable, nil
		}
		if pend.Amount.Cmp(amount) != 0 {
			return ResultBalanceMismatch, nil
		}
		if err := txn.Delete(pendingTable(pendEpoch), pendingKey(b.Account, b.Link)); err != nil {
			return ResultProgress, err
		}
	default: // unchanged balance: epoch transition or representative-only change
		if isEpochUpgrade {
			if b.Representative != oldRep {
				return ResultRepresentativeMismatch, nil
			}
			nextEpoch = epoch + 1
		} else if !b.Link.IsZero() {
			return ResultBalanceMismatch, nil
		}
	}

	if err := moveWeight(txn, oldRep, ai.Balance, b.Representative, b.Balance); err != nil {
		return ResultProgress, err
	}
	prevHeight := blockHeight(txn, b.Previous)
	sb := SideBand{Account: b.Account, Balance: b.Balance, Height: prevHeight + 1, Timestamp: nowUnix(), Type: BlockState}
	if err := storeBlock(txn, b, sb, nextEpoch); err != nil {
		return ResultProgress, err
	}
	newAI := AccountInfo{
		Head: h, OpenBlock: ai.OpenBlock, RepBlock: h,
		Balance: b.Balance, Modified: nowUnix(), BlockCount: ai.BlockCount + 1,
		ConfirmationHeight: ai.ConfirmationHeight, Epoch: nextEpoch,
	}
	if nextEpoch != epoch {
		if err := txn.Delete(accountTable(epoch), b.Account[:]); err != nil {
			return ResultProgress, err
		}
	}
	if err := commitNewHead(txn, b.Account, newAI, &b.Previous); err != nil {
		return ResultProgress, err
	}
	return ResultProgress, linkSuccessor(txn, b.Previous, h)
}

func addressFromHash(h Hash) Address { return Address(h) }

// repOf returns the account's current representative by following its
// RepBlock pointer (the most recent block that set the representative).
func repOf(txn Txn, acct Address) Address {
	ai, _, ok, err := lookupAccountInfo(txn, acct)
	if err != nil || !ok {
		return Address{}
	}
	repBlock, ok, err := lookupBlock(txn, ai.RepBlock)
	if err != nil || !ok {
		return Address{}
	}
	return repBlock.Block.Representative
}

func blockHeight(txn Txn, h Hash) uint64 {
	if h.IsZero() {
		return 0
	}
	stored, ok, _ := lookupBlock(txn, h)
	if !ok {
		return 0
	}
	return stored.SideBand.Height
}

func commitNewHead(txn Txn, acct Address, ai AccountInfo, prev *Hash) error {
	if err := txn.Put(accountTable(ai.Epoch), acct[:], encodeAccountInfo(ai)); err != nil {
		return err
	}
	if prev != nil {
		_ = txn.Delete(TableFrontiers, (*prev)[:])
	}
	return txn.Put(TableFrontiers, ai.Head[:], acct[:])
}

func storeBlock(txn Txn, b *Block, sb SideBand, epoch uint8) error {
	return txn.Put(tableForType(b.Type, epoch), b.Hash().Bytes(), encodeStoredBlock(StoredBlock{Block: b, SideBand: sb}))
}

func linkSuccessor(txn Txn, prev, succ Hash) error {
	if prev.IsZero() {
		return nil
	}
	stored, tbl, ok, err := lookupBlockTable(txn, prev)
	if err != nil || !ok {
		return err
	}
	stored.SideBand.Successor = succ
	return txn.Put(tbl, prev[:], encodeStoredBlock(stored))
}

func findPending(txn Txn, dest Address, send Hash) (PendingInfo, uint8, bool, error) {
	for epoch := uint8(0); epoch <= 1; epoch++ {
		raw, ok, err := txn.Get(pendingTable(epoch), pendingKey(dest, send))
		if err != nil {
			return PendingInfo{}, 0, false, err
		}
		if ok {
			p, err := decodePendingInfo(raw)
			return p, epoch, true, err
		}
	}
	return PendingInfo{}, 0, false, nil
}

// Rollback reverses the effect of applying hash, provided it has not yet
// been confirmed. If hash is not the chain head, every
// later block on the same chain is rolled back first, newest to oldest. A
// send whose pending entry was already consumed by the receiving chain
// cannot be rolled back until that receive is rolled back; callers (fork
// resolution) roll back in dependency order.
func (l *Ledger) Rollback(h Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Update(func(txn Txn) error {
		target, ok, err := lookupBlock(txn, h)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ledger: rollback: block %s not found", h)
		}
		acct := target.SideBand.Account
		for {
			ai, epoch, ok, err := lookupAccountInfo(txn, acct)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("ledger: rollback: account %x missing", acct)
			}
			if ai.ConfirmationHeight >= target.SideBand.Height {
				return fmt.Errorf("ledger: refusing to roll back confirmed block %s", h)
			}
			head, tbl, ok, err := lookupBlockTable(txn, ai.Head)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("ledger: rollback: head %s missing", ai.Head)
			}
			if err := rollbackOne(txn, head, tbl, ai, epoch); err != nil {
				return err
			}
			if head.Block.Hash() == h {
				return nil
			}
		}
	})
}

// rollbackOne undoes the chain-head block: block record, frontier,
// account info, pending bookkeeping, and representation weight all
// return to their pre-apply state.
func rollbackOne(txn Txn, stored StoredBlock, tbl string, ai AccountInfo, epoch uint8) error {
	b := stored.Block
	h := b.Hash()
	acct := stored.SideBand.Account

	var prevStored StoredBlock
	var prevTbl string
	hasPrev := !b.Previous.IsZero()
	if hasPrev {
		var ok bool
		var err error
		prevStored, prevTbl, ok, err = lookupBlockTable(txn, b.Previous)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ledger: rollback: predecessor %s missing", b.Previous)
		}
	}
	prevBal := Amount{}
	if hasPrev {
		prevBal = prevStored.SideBand.Balance
	}

	cmp := stored.SideBand.Balance.Cmp(prevBal)
	isEpochUpgrade := b.IsEpochLink() && cmp == 0

	switch {
	case b.Type == BlockSend || (b.Type == BlockState && cmp < 0):
		dest := b.Destination
		if b.Type == BlockState {
			dest = addressFromHash(b.Link)
		}
		if err := unapplySendPending(txn, dest, h); err != nil {
			return err
		}
	case b.Type == BlockReceive || b.Type == BlockOpen || (b.Type == BlockState && cmp > 0):
		src := b.SourceHash
		if b.Type == BlockState {
			src = b.Link
		}
		amount, _ := stored.SideBand.Balance.Sub(prevBal)
		if err := restorePending(txn, acct, src, amount); err != nil {
			return err
		}
	}

	// Weight: the rep in effect with b applied still hangs off ai.RepBlock.
	repAfter := repOfBlockHash(txn, ai.RepBlock)
	if err := addWeight(txn, repAfter, stored.SideBand.Balance, true); err != nil {
		return err
	}

	if err := txn.Delete(tbl, h[:]); err != nil {
		return err
	}
	if err := txn.Delete(TableFrontiers, h[:]); err != nil {
		return err
	}

	if !hasPrev {
		return txn.Delete(accountTable(epoch), acct[:])
	}

	restoredRepBlock := ai.RepBlock
	if restoredRepBlock == h {
		restoredRepBlock = findRepBlockHash(txn, b.Previous)
	}
	if err := addWeight(txn, repOfBlockHash(txn, restoredRepBlock), prevBal, false); err != nil {
		return err
	}

	restoredEpoch := epoch
	if isEpochUpgrade && epoch > 0 {
		restoredEpoch = epoch - 1
		if err := txn.Delete(accountTable(epoch), acct[:]); err != nil {
			return err
		}
	}
	restored := AccountInfo{
		Head: b.Previous, OpenBlock: ai.OpenBlock, RepBlock: restoredRepBlock,
		Balance: prevBal, Modified: nowUnix(),
		BlockCount: ai.BlockCount - 1, ConfirmationHeight: ai.ConfirmationHeight, Epoch: restoredEpoch,
	}
	if err := txn.Put(accountTable(restoredEpoch), acct[:], encodeAccountInfo(restored)); err != nil {
		return err
	}
	if err := txn.Put(TableFrontiers, b.Previous[:], acct[:]); err != nil {
		return err
	}
	prevStored.SideBand.Successor = Hash{}
	return txn.Put(prevTbl, b.Previous[:], encodeStoredBlock(prevStored))
}

// unapplySendPending removes the pending entry a send created. If the
// entry is gone the send was already received; the receive must be rolled
// back first.
func unapplySendPending(txn Txn, dest Address, send Hash) error {
	for epoch := uint8(0); epoch <= 1; epoch++ {
		key := pendingKey(dest, send)
		if _, ok, err := txn.Get(pendingTable(epoch), key); err != nil {
			return err
		} else if ok {
			return txn.Delete(pendingTable(epoch), key)
		}
	}
	return fmt.Errorf("ledger: rollback: pending for send %s already received; roll back the receive first", send)
}

// restorePending recreates the pending entry a receive/open consumed. The
// genesis open's synthetic source has no stored sender; its entry is
// restored with a zero source account.
func restorePending(txn Txn, dest Address, src Hash, amount Amount) error {
	var srcAcct Address
	var srcEpoch uint8
	if srcStored, ok, err := lookupBlock(txn, src); err != nil {
		return err
	} else if ok {
		srcAcct = srcStored.SideBand.Account
		_, srcEpoch, _, _ = lookupAccountInfo(txn, srcAcct)
	}
	info := PendingInfo{Source: srcAcct, Amount: amount, Epoch: srcEpoch}
	return txn.Put(pendingTable(srcEpoch), pendingKey(dest, src), encodePendingInfo(info))
}

// repOfBlockHash returns the representative named by the block at h, or
// zero when h is unknown.
func repOfBlockHash(txn Txn, h Hash) Address {
	stored, ok, err := lookupBlock(txn, h)
	if err != nil || !ok {
		return Address{}
	}
	return stored.Block.Representative
}

// findRepBlockHash walks back from h to the most recent block that set
// the account's representative (open/change/state).
func findRepBlockHash(txn Txn, h Hash) Hash {
	cur := h
	for !cur.IsZero() {
		stored, ok, err := lookupBlock(txn, cur)
		if err != nil || !ok {
			return Hash{}
		}
		switch stored.Block.Type {
		case BlockOpen, BlockChange, BlockState:
			return cur
		}
		cur = stored.Block.Previous
	}
	return Hash{}
}
