package core

// Prometheus counters for the node's operational stats. The node has no
// built-in RPC surface, so collectors register against a package-local
// registry a caller may wire into an HTTP handler if it chooses, rather
// than the global default registry, keeping the core package
// side-effect free when imported.

import "github.com/prometheus/client_golang/prometheus"

// Registry is the collector registry all core counters register against.
// cmd/synnergy wires it into an HTTP handler only if metrics are enabled.
var Registry = prometheus.NewRegistry()

var (
	statBlocksConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocks_confirmed_total",
		Help: "Blocks whose confirmation height advanced past them.",
	})
	statProcessResult = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_process_result_total",
		Help: "Ledger.Process outcomes by ProcessResult.",
	}, []string{"result"})
	statVoteClassification = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vote_classification_total",
		Help: "Votes processed by classification (vote/replay/invalid).",
	}, []string{"class"})
	statVotesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vote_queue_dropped_total",
		Help: "Votes dropped by random-early-drop, by representative weight tier.",
	}, []string{"tier"})
	statElectionsConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "elections_confirmed_total",
		Help: "Elections that reached quorum confirmation.",
	})
	statElectionsFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "elections_flushed_total",
		Help: "Elections evicted by the active-transactions flush policy under load.",
	})
	statActiveElections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_elections",
		Help: "Current number of in-flight elections.",
	})
	statActiveTrendedDifficulty = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_trended_difficulty",
		Help: "Rolling mean of the active-elections adjusted-difficulty multiplier median, floor-clamped at 1.0.",
	})
	statUncheckedGap = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unchecked_gap_total",
		Help: "Blocks parked in unchecked by gap kind (previous/source).",
	}, []string{"kind"})
	statConfirmationHeightGapWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "confirmation_height_gap_warnings_total",
		Help: "Times a chain was found more than the gap-log threshold behind confirmation height.",
	})
	statWorkGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "work_generated_total",
		Help: "Proof-of-work nonces successfully generated.",
	})
	statWorkCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "work_cancelled_total",
		Help: "Proof-of-work requests cancelled before completion.",
	})
)

func init() {
	Registry.MustRegister(
		statBlocksConfirmed,
		statProcessResult,
		statVoteClassification,
		statVotesDropped,
		statElectionsConfirmed,
		statElectionsFlushed,
		statActiveElections,
		statActiveTrendedDifficulty,
		statUncheckedGap,
		statConfirmationHeightGapWarnings,
		statWorkGenerated,
		statWorkCancelled,
	)
}
