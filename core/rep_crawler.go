package core

// Representative crawler and online-weight tracker: learns which
// representatives currently answer probes and maintains the rolling
// online-weight estimate active transactions divides by for quorum.

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober sends a liveness probe (a confirm_req for the account's
// frontier) on behalf of account and reports whether a timely response
// was observed. The network transport supplies this through
// ProbeRepresentative.
type Prober func(account Address) bool

// RepCrawlerConfig tunes probing cadence. Representatives are probed
// far more often than ordinary peers.
type RepCrawlerConfig struct {
	RepProbeInterval    time.Duration
	NonRepProbeInterval time.Duration
	MinWeightToTrack    Amount
}

func DefaultRepCrawlerConfig() RepCrawlerConfig {
	return RepCrawlerConfig{
		RepProbeInterval:    3 * time.Minute,
		NonRepProbeInterval: 15 * time.Minute,
		MinWeightToTrack:    AmountFromUint64(0),
	}
}

type repRecord struct {
	lastProbe    time.Time
	lastResponse time.Time
	weight       Amount
}

// RepCrawler periodically probes known representatives and tracks which
// are currently responsive, feeding ActiveTransactions' quorum weight
// calculation (indirectly, via the ledger's own representation table; the
// crawler's job is liveness, not the weight figures themselves).
type RepCrawler struct {
	cfg    RepCrawlerConfig
	ledger *Ledger
	probe  Prober

	mu    sync.Mutex
	peers map[Address]*repRecord

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRepCrawler(ledger *Ledger, probe Prober, cfg RepCrawlerConfig) *RepCrawler {
	if cfg.RepProbeInterval == 0 {
		cfg = DefaultRepCrawlerConfig()
	}
	c := &RepCrawler{
		cfg:    cfg,
		ledger: ledger,
		probe:  probe,
		peers:  make(map[Address]*repRecord),
		stop:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Query registers accounts as known representatives to probe; duplicate
// calls refresh their tracked weight but not their probe schedule.
func (c *RepCrawler) Query(accounts []Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range accounts {
		w := c.ledger.Weight(a)
		if w.Cmp(c.cfg.MinWeightToTrack) <= 0 {
			continue
		}
		if rec, ok := c.peers[a]; ok {
			rec.weight = w
			continue
		}
		c.peers[a] = &repRecord{weight: w}
	}
}

// Responsive reports the representatives considered online as of the most
// recent probe round.
func (c *RepCrawler) Responsive() []Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Address
	for a, rec := range c.peers {
		if !rec.lastResponse.IsZero() && !rec.lastProbe.After(rec.lastResponse) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i][:]) < string(out[j][:]) })
	return out
}

// WeightOnline sums the ledger weight of every representative currently
// considered responsive.
func (c *RepCrawler) WeightOnline() Amount {
	total := Amount{}
	for _, a := range c.Responsive() {
		w := c.ledger.Weight(a)
		total, _ = total.Add(w)
	}
	return total
}

func (c *RepCrawler) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *RepCrawler) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.probeRound()
		}
	}
}

func (c *RepCrawler) probeRound() {
	now := time.Now()
	type due struct {
		account Address
		rec     *repRecord
	}
	var todo []due

	c.mu.Lock()
	for a, rec := range c.peers {
		interval := c.cfg.NonRepProbeInterval
		if rec.weight.Cmp(Amount{}) > 0 {
			interval = c.cfg.RepProbeInterval
		}
		if rec.lastProbe.IsZero() || now.Sub(rec.lastProbe) >= interval {
			todo = append(todo, due{a, rec})
		}
	}
	c.mu.Unlock()

	for _, d := range todo {
		ok := false
		if c.probe != nil {
			ok = c.probe(d.account)
		}
		c.mu.Lock()
		d.rec.lastProbe = now
		if ok {
			d.rec.lastResponse = now
		}
		c.mu.Unlock()
		if !ok {
			logrus.WithField("account", d.account.String()).Debug("rep_crawler: probe unanswered")
		}
	}
}

// --- Online weight tracker ---

const onlineWeightSampleInterval = 5 * time.Minute

// OnlineWeightConfig tunes the trended-weight floor and sample window.
type OnlineWeightConfig struct {
	SampleWindow  int    // number of samples averaged by Trend()
	WeightMinimum Amount // floor below which Trend() never reports less
}

func DefaultOnlineWeightConfig() OnlineWeightConfig {
	return OnlineWeightConfig{SampleWindow: 288, WeightMinimum: AmountFromUint64(0)} // 288 * 5min = 24h
}

// OnlineWeightTracker periodically samples the crawler's live representative
// weight into TableOnlineWeight and exposes a trended (rolling-average)
// figure used as the quorum denominator.
type OnlineWeightTracker struct {
	cfg     OnlineWeightConfig
	store   Store
	crawler *RepCrawler

	mu      sync.Mutex
	samples []Amount

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewOnlineWeightTracker(store Store, crawler *RepCrawler, cfg OnlineWeightConfig) *OnlineWeightTracker {
	if cfg.SampleWindow <= 0 {
		cfg = DefaultOnlineWeightConfig()
	}
	t := &OnlineWeightTracker{cfg: cfg, store: store, crawler: crawler, stop: make(chan struct{})}
	t.loadSamples()
	t.wg.Add(1)
	go t.loop()
	return t
}

func (t *OnlineWeightTracker) loadSamples() {
	_ = t.store.View(func(txn Txn) error {
		return txn.Iterate(TableOnlineWeight, nil, func(key, value []byte) bool {
			amt, err := decodeAmount(value)
			if err == nil {
				t.samples = append(t.samples, amt)
			}
			return true
		})
	})
	if len(t.samples) > t.cfg.SampleWindow {
		t.samples = t.samples[len(t.samples)-t.cfg.SampleWindow:]
	}
}

func (t *OnlineWeightTracker) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(onlineWeightSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sample()
		}
	}
}

func (t *OnlineWeightTracker) sample() {
	weight := t.crawler.WeightOnline()
	key := encodeUint64(uint64(time.Now().Unix()))
	if err := t.store.Update(func(txn Txn) error {
		return txn.Put(TableOnlineWeight, key, encodeAmount(weight))
	}); err != nil {
		logrus.Warnf("online_weight: sample write: %v", err)
		return
	}
	t.mu.Lock()
	t.samples = append(t.samples, weight)
	if len(t.samples) > t.cfg.SampleWindow {
		t.samples = t.samples[len(t.samples)-t.cfg.SampleWindow:]
	}
	t.mu.Unlock()
}

// Trend returns the rolling average of sampled online weight, floor-clamped
// at WeightMinimum. This is what ActiveTransactions uses as the quorum
// denominator so a handful of stale samples can't drop quorum to zero.
func (t *OnlineWeightTracker) Trend() Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return t.cfg.WeightMinimum
	}
	sum := Amount{}
	for _, s := range t.samples {
		sum, _ = sum.Add(s)
	}
	divisor := big.NewInt(int64(len(t.samples)))
	avg := AmountFromBig(new(big.Int).Div(sum.Big(), divisor))
	if avg.Cmp(t.cfg.WeightMinimum) < 0 {
		return t.cfg.WeightMinimum
	}
	return avg
}

// OnlineWeight implements OnlineWeightSource for ActiveTransactions.
func (t *OnlineWeightTracker) OnlineWeight() Amount { return t.Trend() }

func (t *OnlineWeightTracker) Stop() {
	close(t.stop)
	t.wg.Wait()
}
