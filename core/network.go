package core

// Gossip transport: a libp2p host with gossipsub and mdns discovery,
// carrying the fixed 8-byte envelope header and typed bodies from
// message.go and feeding the block and vote processors. A direct stream
// protocol carries per-peer confirm_req/confirm_ack exchanges for the
// representative crawler, which needs a directed question-and-answer
// rather than a topic broadcast.

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// directProtocolID is the stream protocol for directed
// confirm_req/confirm_ack exchanges (rep-crawler probes and their
// replies).
const directProtocolID = protocol.ID("/synnergy/confirm/1")

const directStreamTimeout = 2 * time.Second

// repProbeFanout bounds how many connected peers one probe queries.
const repProbeFanout = 8

// TransportConfig mirrors the subset of pkg/config.Config's Network
// section the transport needs.
type TransportConfig struct {
	ListenAddr         string
	DiscoveryTag       string
	BootstrapPeers     []string
	Network            Network
	ProtocolVersionMin byte
	PublishThreshold   uint64 // inbound blocks below this work value are dropped; 0 disables the check
}

// Transport is the node's gossip layer: one topic per network profile,
// carrying enveloped messages, plus the direct stream protocol.
type Transport struct {
	cfg    TransportConfig
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	ledger         *Ledger
	blockProcessor *BlockProcessor
	voteProcessor  *VoteProcessor
	reputation     *PeerReputation

	signerMu   sync.Mutex
	voteSigner *KeyPair
	voteSeq    uint64 // atomic; seeded from wall clock so restarts keep increasing

	ctx    context.Context
	cancel context.CancelFunc

	peersMu sync.RWMutex
	peers   map[peer.ID]struct{}
}

// NewTransport creates a libp2p host, joins the gossip topic for cfg's
// network profile, registers the direct stream handler, and starts mDNS
// peer discovery.
func NewTransport(cfg TransportConfig, ledger *Ledger, bp *BlockProcessor, vp *VoteProcessor, rep *PeerReputation) (*Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("network: create pubsub: %w", err)
	}

	t := &Transport{
		cfg: cfg, host: h, pubsub: ps,
		ledger: ledger, blockProcessor: bp, voteProcessor: vp, reputation: rep,
		voteSeq: uint64(time.Now().Unix()),
		ctx:     ctx, cancel: cancel,
		peers: make(map[peer.ID]struct{}),
	}
	h.SetStreamHandler(directProtocolID, t.handleDirect)

	topicName := fmt.Sprintf("synnergy/%s/v1", cfg.DiscoveryTag)
	topic, err := ps.Join(topicName)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("network: join topic %s: %w", topicName, err)
	}
	t.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("network: subscribe topic %s: %w", topicName, err)
	}
	t.sub = sub

	go t.readLoop()

	for _, addr := range cfg.BootstrapPeers {
		if err := t.dial(addr); err != nil {
			logrus.Warnf("network: bootstrap dial: %v", err)
		}
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, t)

	return t, nil
}

var _ mdns.Notifee = (*Transport)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a peer discovered on
// the local network segment.
func (t *Transport) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == t.host.ID() {
		return
	}
	t.peersMu.RLock()
	_, known := t.peers[info.ID]
	t.peersMu.RUnlock()
	if known {
		return
	}
	if err := t.host.Connect(t.ctx, info); err != nil {
		logrus.Warnf("network: connect to discovered peer %s: %v", info.ID, err)
		return
	}
	t.peersMu.Lock()
	t.peers[info.ID] = struct{}{}
	t.peersMu.Unlock()
	logrus.Infof("network: connected to %s via mdns", info.ID)
}

func (t *Transport) dial(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("invalid bootstrap addr %s: %w", addr, err)
	}
	if err := t.host.Connect(t.ctx, *pi); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	t.peersMu.Lock()
	t.peers[pi.ID] = struct{}{}
	t.peersMu.Unlock()
	return nil
}

// SetVoteSigner installs the key pair this node answers confirm_req
// probes with. Nodes that are not representatives leave it unset and
// never reply.
func (t *Transport) SetVoteSigner(kp *KeyPair) {
	t.signerMu.Lock()
	t.voteSigner = kp
	t.signerMu.Unlock()
}

// ListenAddrs returns the host's fully-qualified listen addresses,
// suitable for another node's bootstrap_peers list.
func (t *Transport) ListenAddrs() []string {
	var out []string
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

// PublishBlock gossips a block with the publish message type.
func (t *Transport) PublishBlock(b *Block) error {
	h := Header{Network: t.cfg.Network, VersionMax: 1, VersionUsing: 1, VersionMin: t.cfg.ProtocolVersionMin, Type: MsgPublish}
	h.setBlockTypeBits(b.Type)
	payload := append(EncodeHeader(h), EncodeBlockWire(b)...)
	return t.publish(payload)
}

// PublishVote gossips a signed vote with the confirm_ack message type.
func (t *Transport) PublishVote(v *Vote) error {
	return t.publish(t.confirmAckPayload(v))
}

// confirmAckPayload builds the enveloped confirm_ack message for a vote,
// shared by topic broadcast and direct stream replies.
func (t *Transport) confirmAckPayload(v *Vote) []byte {
	h := Header{Network: t.cfg.Network, VersionMax: 1, VersionUsing: 1, VersionMin: t.cfg.ProtocolVersionMin, Type: MsgConfirmAck}
	if len(v.Blocks) == 1 {
		h.setBlockTypeBits(v.Blocks[0].Type)
	} else {
		h.setBlockTypeBits(BlockNotABlock)
	}
	h.setCountBits(v.Size())
	return append(EncodeHeader(h), EncodeConfirmAck(v)...)
}

func (t *Transport) publish(payload []byte) error {
	if len(payload) > maxDatagram {
		return fmt.Errorf("network: payload %d bytes exceeds datagram ceiling %d", len(payload), maxDatagram)
	}
	return t.topic.Publish(t.ctx, payload)
}

func (t *Transport) readLoop() {
	for {
		msg, err := t.sub.Next(t.ctx)
		if err != nil {
			logrus.Warnf("network: subscription closed: %v", err)
			return
		}
		if msg.GetFrom() == t.host.ID() {
			continue
		}
		t.handle(msg.GetFrom(), msg.Data)
	}
}

func (t *Transport) handle(from peer.ID, data []byte) {
	hdr, err := DecodeHeader(data, t.cfg.Network, t.cfg.ProtocolVersionMin)
	if err != nil {
		if t.reputation != nil {
			t.reputation.Decrement(PeerID(from.String()), "bad_header")
		}
		return
	}
	body := data[headerLen:]
	ok := true
	switch hdr.Type {
	case MsgPublish:
		blk, derr := DecodeBlockWire(hdr.blockTypeBits(), body)
		if derr != nil {
			ok = false
			break
		}
		if t.cfg.PublishThreshold != 0 && !WorkValidate(blk.Root(), blk.Work, t.cfg.PublishThreshold) {
			ok = false
			break
		}
		if t.blockProcessor != nil {
			t.blockProcessor.Add(blk)
		}
	case MsgConfirmAck:
		v, derr := DecodeConfirmAck(body, hdr.blockTypeBits(), hdr.countBits())
		if derr != nil {
			ok = false
			break
		}
		if t.voteProcessor != nil {
			t.voteProcessor.Add(v)
		}
	case MsgConfirmReq:
		m, derr := DecodeConfirmReq(body, hdr.blockTypeBits(), hdr.countBits())
		if derr != nil {
			ok = false
			break
		}
		if reply := t.voteReply(m); reply != nil {
			if perr := t.publish(t.confirmAckPayload(reply)); perr != nil {
				logrus.Debugf("network: confirm_ack reply: %v", perr)
			}
		}
	case MsgKeepalive:
		// Peer address exchange is handled at the libp2p/mdns layer
		// already; nothing further to do with the payload.
	default:
		ok = false
	}
	if !ok && t.reputation != nil {
		t.reputation.Decrement(PeerID(from.String()), "malformed_body")
	} else if t.reputation != nil {
		t.reputation.Reward(PeerID(from.String()))
	}
}

// --- Direct confirm_req/confirm_ack streams ---

// writeFrame sends one length-prefixed message on a direct stream.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxDatagram {
		return fmt.Errorf("network: frame %d bytes exceeds datagram ceiling %d", len(payload), maxDatagram)
	}
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(payload)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(l[:])
	if int(n) > maxDatagram {
		return nil, fmt.Errorf("network: frame %d bytes exceeds datagram ceiling %d", n, maxDatagram)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// handleDirect answers one confirm_req arriving on a direct stream with
// a signed confirm_ack, if this node has a vote signer and knows at
// least one of the requested blocks.
func (t *Transport) handleDirect(s libp2pnetwork.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(directStreamTimeout))

	payload, err := readFrame(s)
	if err != nil {
		return
	}
	from := PeerID(s.Conn().RemotePeer().String())
	hdr, err := DecodeHeader(payload, t.cfg.Network, t.cfg.ProtocolVersionMin)
	if err != nil || hdr.Type != MsgConfirmReq {
		if t.reputation != nil {
			t.reputation.Decrement(from, "bad_direct_request")
		}
		return
	}
	m, err := DecodeConfirmReq(payload[headerLen:], hdr.blockTypeBits(), hdr.countBits())
	if err != nil {
		if t.reputation != nil {
			t.reputation.Decrement(from, "malformed_body")
		}
		return
	}
	reply := t.voteReply(m)
	if reply == nil {
		return
	}
	if err := writeFrame(s, t.confirmAckPayload(reply)); err != nil {
		logrus.Debugf("network: direct confirm_ack write: %v", err)
	}
}

// voteReply builds this node's signed vote over the requested blocks it
// actually holds, or nil when it has no signer or none of the blocks.
func (t *Transport) voteReply(m *ConfirmReqMessage) *Vote {
	t.signerMu.Lock()
	signer := t.voteSigner
	t.signerMu.Unlock()
	if signer == nil || t.ledger == nil {
		return nil
	}
	var hashes []Hash
	if m.Block != nil && t.ledger.BlockExists(m.Block.Hash()) {
		hashes = append(hashes, m.Block.Hash())
	}
	for _, p := range m.Pairs {
		if len(hashes) == 12 {
			break
		}
		if t.ledger.BlockExists(p.Hash) {
			hashes = append(hashes, p.Hash)
		}
	}
	if len(hashes) == 0 {
		return nil
	}
	v := &Vote{Sequence: atomic.AddUint64(&t.voteSeq, 1), Hashes: hashes}
	v.Sign(signer)
	return v
}

// requestDirect performs one framed request/response exchange with a
// peer on the direct protocol.
func (t *Transport) requestDirect(pid peer.ID, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(t.ctx, directStreamTimeout)
	defer cancel()
	s, err := t.host.NewStream(ctx, pid, directProtocolID)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(directStreamTimeout))
	if err := writeFrame(s, payload); err != nil {
		return nil, err
	}
	return readFrame(s)
}

// peerSample returns up to n currently-connected peers.
func (t *Transport) peerSample(n int) []peer.ID {
	connected := t.host.Network().Peers()
	if len(connected) > n {
		connected = connected[:n]
	}
	return connected
}

// ProbeRepresentative asks a sample of connected peers to vote on
// account's frontier and reports whether any answered with a valid
// confirm_ack signed by that representative. Successful replies also
// feed the vote processor, so a probe doubles as a vote source.
func (t *Transport) ProbeRepresentative(account Address) bool {
	if t.ledger == nil {
		return false
	}
	head, root, ok := t.ledger.Frontier(account)
	if !ok {
		return false
	}
	hdr := Header{Network: t.cfg.Network, VersionMax: 1, VersionUsing: 1, VersionMin: t.cfg.ProtocolVersionMin, Type: MsgConfirmReq}
	hdr.setBlockTypeBits(BlockNotABlock)
	hdr.setCountBits(1)
	req := &ConfirmReqMessage{Pairs: []HashRootPair{{Hash: head, Root: root}}}
	payload := append(EncodeHeader(hdr), EncodeConfirmReq(req)...)

	for _, pid := range t.peerSample(repProbeFanout) {
		resp, err := t.requestDirect(pid, payload)
		if err != nil {
			continue
		}
		rhdr, err := DecodeHeader(resp, t.cfg.Network, t.cfg.ProtocolVersionMin)
		if err != nil || rhdr.Type != MsgConfirmAck {
			continue
		}
		v, err := DecodeConfirmAck(resp[headerLen:], rhdr.blockTypeBits(), rhdr.countBits())
		if err != nil || v.Account != account || !v.Verify() {
			continue
		}
		for _, voted := range v.HashList() {
			if voted == head {
				if t.voteProcessor != nil {
					t.voteProcessor.Add(v)
				}
				return true
			}
		}
	}
	return false
}

// Close shuts down the transport and its libp2p host.
func (t *Transport) Close() error {
	t.cancel()
	if t.sub != nil {
		t.sub.Cancel()
	}
	return t.host.Close()
}
