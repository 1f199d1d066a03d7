package core

// Peer reputation / banning: peers that send malformed traffic lose
// score and are eventually banned. Scores are kept in memory only; a
// restart forgives everyone, the same way it drops all active
// elections.

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// PeerID identifies a connected peer endpoint, independent of the
// underlying transport framing.
type PeerID string

// ReputationConfig tunes the ban threshold and per-offense penalty.
type ReputationConfig struct {
	InitialScore int
	BanThreshold int // score <= this bans the peer
	Penalty      int // subtracted per protocol error
	Reward       int // added per well-formed message, capped at InitialScore
}

func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{InitialScore: 100, BanThreshold: 0, Penalty: 10, Reward: 1}
}

// PeerReputation tracks a score per peer and bans peers whose score drops
// to the threshold. Safe for concurrent use.
type PeerReputation struct {
	mu     sync.Mutex
	cfg    ReputationConfig
	scores map[PeerID]int
	banned map[PeerID]bool
}

func NewPeerReputation(cfg ReputationConfig) *PeerReputation {
	return &PeerReputation{cfg: cfg, scores: make(map[PeerID]int), banned: make(map[PeerID]bool)}
}

// Decrement penalizes peer for a protocol error and bans it
// if the score falls to or below the configured threshold.
func (r *PeerReputation) Decrement(peer PeerID, reason string) (banned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	score, ok := r.scores[peer]
	if !ok {
		score = r.cfg.InitialScore
	}
	score -= r.cfg.Penalty
	r.scores[peer] = score
	if score <= r.cfg.BanThreshold {
		r.banned[peer] = true
		logrus.WithFields(logrus.Fields{"peer": string(peer), "reason": reason}).Warn("peer_reputation: banned")
		return true
	}
	return false
}

// Reward nudges a peer's score up for well-formed traffic, capped at the
// configured initial score so reputation can recover from a transient
// burst of malformed messages without becoming unbannable.
func (r *PeerReputation) Reward(peer PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.banned[peer] {
		return
	}
	score, ok := r.scores[peer]
	if !ok {
		score = r.cfg.InitialScore
	}
	score += r.cfg.Reward
	if score > r.cfg.InitialScore {
		score = r.cfg.InitialScore
	}
	r.scores[peer] = score
}

// Banned reports whether peer's score has crossed the ban threshold.
func (r *PeerReputation) Banned(peer PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.banned[peer]
}

// Unban clears a peer's ban and resets its score, used by operators or
// tests that need to recover a peer after a false-positive ban.
func (r *PeerReputation) Unban(peer PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.banned, peer)
	r.scores[peer] = r.cfg.InitialScore
}

// Score returns the peer's current reputation score.
func (r *PeerReputation) Score(peer PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if score, ok := r.scores[peer]; ok {
		return score
	}
	return r.cfg.InitialScore
}
