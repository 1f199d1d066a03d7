package core

import (
	"testing"
)

func TestRepCrawlerQueryTracksOnlyWeightedAccounts(t *testing.T) {
	ledger, ga, _, _, _ := buildTwoAccountChain(t)
	crawler := NewRepCrawler(ledger, nil, DefaultRepCrawlerConfig())
	defer crawler.Stop()

	nobody, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	crawler.Query([]Address{ga.Address, nobody.Address})

	crawler.mu.Lock()
	_, gaTracked := crawler.peers[ga.Address]
	_, nobodyTracked := crawler.peers[nobody.Address]
	crawler.mu.Unlock()

	if !gaTracked {
		t.Fatal("genesis representative (nonzero weight) should be tracked")
	}
	if nobodyTracked {
		t.Fatal("an account with no delegated weight should not be tracked")
	}
}

func TestRepCrawlerProbeRoundMarksResponsive(t *testing.T) {
	ledger, ga, _, _, _ := buildTwoAccountChain(t)
	responded := make(map[Address]bool)
	probe := func(a Address) bool { return responded[a] }
	crawler := NewRepCrawler(ledger, probe, DefaultRepCrawlerConfig())
	defer crawler.Stop()

	crawler.Query([]Address{ga.Address})
	if got := crawler.Responsive(); len(got) != 0 {
		t.Fatalf("Responsive() before any probe = %v, want empty", got)
	}

	responded[ga.Address] = true
	crawler.probeRound()

	got := crawler.Responsive()
	if len(got) != 1 || got[0] != ga.Address {
		t.Fatalf("Responsive() = %v, want [%x]", got, ga.Address)
	}
	online := crawler.WeightOnline()
	if online.Cmp(Amount{}) <= 0 {
		t.Fatal("WeightOnline() should be positive once the sole representative responds")
	}
}

func TestRepCrawlerProbeRoundUnresponsiveStaysOffline(t *testing.T) {
	ledger, ga, _, _, _ := buildTwoAccountChain(t)
	probe := func(Address) bool { return false }
	crawler := NewRepCrawler(ledger, probe, DefaultRepCrawlerConfig())
	defer crawler.Stop()

	crawler.Query([]Address{ga.Address})
	crawler.probeRound()

	if got := crawler.Responsive(); len(got) != 0 {
		t.Fatalf("Responsive() = %v, want empty for an unresponsive representative", got)
	}
}

func TestOnlineWeightTrackerTrendFloor(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store, LedgerConfig{})
	crawler := NewRepCrawler(ledger, nil, DefaultRepCrawlerConfig())
	defer crawler.Stop()

	cfg := OnlineWeightConfig{SampleWindow: 4, WeightMinimum: AmountFromUint64(100)}
	tracker := NewOnlineWeightTracker(store, crawler, cfg)
	defer tracker.Stop()

	if got := tracker.Trend(); got.Cmp(cfg.WeightMinimum) != 0 {
		t.Fatalf("Trend() with no samples = %+v, want the floor %+v", got, cfg.WeightMinimum)
	}
}

func TestOnlineWeightTrackerTrendAverages(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store, LedgerConfig{})
	crawler := NewRepCrawler(ledger, nil, DefaultRepCrawlerConfig())
	defer crawler.Stop()

	tracker := NewOnlineWeightTracker(store, crawler, OnlineWeightConfig{SampleWindow: 8, WeightMinimum: AmountFromUint64(0)})
	defer tracker.Stop()

	tracker.mu.Lock()
	tracker.samples = []Amount{AmountFromUint64(100), AmountFromUint64(200)}
	tracker.mu.Unlock()

	want := AmountFromUint64(150)
	if got := tracker.Trend(); got.Cmp(want) != 0 {
		t.Fatalf("Trend() = %+v, want %+v", got, want)
	}
}
