package core

import "testing"

func TestBlockHashIgnoresSignatureAndWork(t *testing.T) {
	kp, _ := GenerateKeyPair()
	base := Block{
		Type:        BlockSend,
		Previous:    BlakeHash([]byte("prev")),
		Destination: kp.Address,
		Balance:     AmountFromUint64(42),
	}

	a := base
	b := base
	b.Signature = [64]byte{1, 2, 3}
	b.Work = 0xdeadbeef

	if a.Hash() != b.Hash() {
		t.Fatal("hash changed when only signature/work differ")
	}

	c := base
	c.Balance = AmountFromUint64(43)
	if a.Hash() == c.Hash() {
		t.Fatal("hash did not change when a hashable field changed")
	}
}

func TestBlockRoot(t *testing.T) {
	kp, _ := GenerateKeyPair()
	open := &Block{Type: BlockOpen, Account: kp.Address, SourceHash: BlakeHash([]byte("src"))}
	if open.Root() != Hash(kp.Address) {
		t.Fatal("open block root must be the account number")
	}
	prev := BlakeHash([]byte("prev"))
	send := &Block{Type: BlockSend, Previous: prev, Destination: kp.Address}
	if send.Root() != prev {
		t.Fatal("non-open block root must be the previous hash")
	}
}

func TestBlockIsEpochLink(t *testing.T) {
	state := &Block{Type: BlockState, Link: EpochLink}
	if !state.IsEpochLink() {
		t.Fatal("state block with the marker link must be an epoch link")
	}
	open := &Block{Type: BlockOpen, SourceHash: EpochLink}
	if open.IsEpochLink() {
		t.Fatal("only state blocks can carry an epoch link")
	}
}

func TestUniquerDeduplicatesByHash(t *testing.T) {
	u := NewUniquer(16)
	kp, _ := GenerateKeyPair()

	first := &Block{Type: BlockChange, Previous: BlakeHash([]byte("p")), Representative: kp.Address}
	second := &Block{Type: BlockChange, Previous: BlakeHash([]byte("p")), Representative: kp.Address}

	if got := u.Unique(first); got != first {
		t.Fatal("first sighting should register and return the same instance")
	}
	if got := u.Unique(second); got != first {
		t.Fatal("equal block should resolve to the canonical shared instance")
	}

	other := &Block{Type: BlockChange, Previous: BlakeHash([]byte("q")), Representative: kp.Address}
	if got := u.Unique(other); got != other {
		t.Fatal("distinct block must not collapse onto an unrelated instance")
	}
}
