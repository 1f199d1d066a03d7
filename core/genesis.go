package core

// Genesis block construction. There is no prior sender to receive from
// for the very first account, so bootstrap seeds a pending entry
// directly into the store under a network-fixed synthetic send hash and
// then processes a real, signed open block against it through the
// normal Ledger.Process path.

import "fmt"

// GenesisConfig names the network-fixed constants a running node needs
// before it can process its first block.
type GenesisConfig struct {
	Network        Network
	GenesisAccount Address
	Representative Address
	TotalSupply    Amount
}

// genesisSendHash derives the network-fixed synthetic send hash genesis
// bootstrap receives from, distinct per network profile so test/beta/live
// genesis blocks never collide.
func genesisSendHash(network Network) Hash {
	return BlakeHash([]byte("synnergy genesis send"), []byte{byte(network)})
}

// BuildGenesis seeds the pending entry and processes the signed genesis
// open block, returning it. kp must match cfg.GenesisAccount.
func BuildGenesis(store Store, ledger *Ledger, kp *KeyPair, cfg GenesisConfig) (*Block, error) {
	if kp.Address != cfg.GenesisAccount {
		return nil, fmt.Errorf("genesis: key pair address does not match configured genesis account")
	}
	sendHash := genesisSendHash(cfg.Network)

	err := store.Update(func(txn Txn) error {
		key := pendingKey(cfg.GenesisAccount, sendHash)
		info := PendingInfo{Source: Address{}, Amount: cfg.TotalSupply, Epoch: 0}
		return txn.Put(TablePendingV0, key, encodePendingInfo(info))
	})
	if err != nil {
		return nil, fmt.Errorf("genesis: seed pending entry: %w", err)
	}

	open := &Block{
		Type:           BlockOpen,
		SourceHash:     sendHash,
		Representative: cfg.Representative,
		Account:        cfg.GenesisAccount,
	}
	open.Signature = kp.Sign(open.Hashables())

	result, err := ledger.Process(open)
	if err != nil {
		return nil, fmt.Errorf("genesis: process open block: %w", err)
	}
	if result != ResultProgress {
		return nil, fmt.Errorf("genesis: open block rejected: %s", result)
	}

	// The genesis open is confirmed by definition; no election will ever
	// run for it.
	err = store.Update(func(txn Txn) error {
		ai, epoch, ok, err := lookupAccountInfo(txn, cfg.GenesisAccount)
		if err != nil || !ok {
			return fmt.Errorf("genesis: account info missing after open: %w", err)
		}
		ai.ConfirmationHeight = 1
		return txn.Put(accountTable(epoch), cfg.GenesisAccount[:], encodeAccountInfo(ai))
	})
	if err != nil {
		return nil, err
	}
	return open, nil
}

// IsGenesisOpen reports whether b is the genesis open block for cfg's
// network profile, without needing a store lookup.
func IsGenesisOpen(b *Block, cfg GenesisConfig) bool {
	return b.Type == BlockOpen && b.Account == cfg.GenesisAccount && b.SourceHash == genesisSendHash(cfg.Network)
}

// GenesisPresent reports whether cfg's genesis account already exists in
// the store, so a restarting node skips re-running bootstrap.
func GenesisPresent(store Store, cfg GenesisConfig) (bool, error) {
	var present bool
	err := store.View(func(txn Txn) error {
		_, _, ok, err := lookupAccountInfo(txn, cfg.GenesisAccount)
		present = ok
		return err
	})
	return present, err
}
