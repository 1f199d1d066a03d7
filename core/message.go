package core

// Wire message envelope and typed messages: the fixed 8-byte header and
// the bit-exact body layouts for keepalive, publish, confirm_req, and
// confirm_ack.

import (
	"encoding/binary"
	"fmt"
)

// Network identifies which of the three network profiles a header's magic
// byte pair selects.
type Network byte

const (
	NetworkTest Network = iota
	NetworkBeta
	NetworkLive
)

var networkMagic = map[Network][2]byte{
	NetworkTest: {'R', 'A'},
	NetworkBeta: {'R', 'B'},
	NetworkLive: {'R', 'C'},
}

// MessageType is byte 5 of the envelope header.
type MessageType uint8

const (
	MsgInvalid         MessageType = 0
	MsgNotAck          MessageType = 1
	MsgKeepalive       MessageType = 2
	MsgPublish         MessageType = 3
	MsgConfirmReq      MessageType = 4
	MsgConfirmAck      MessageType = 5
	MsgBulkPull        MessageType = 6
	MsgBulkPush        MessageType = 7
	MsgFrontierReq     MessageType = 8
	MsgNodeIDHandshake MessageType = 10
	MsgBulkPullAccount MessageType = 11
)

const headerLen = 8
const maxDatagram = 508

// Header is the fixed 8-byte envelope prefix.
type Header struct {
	Network      Network
	VersionMax   byte
	VersionUsing byte
	VersionMin   byte
	Type         MessageType
	Extensions   uint16
}

// blockTypeBits returns the extensions bits 8-11 encoding a block type.
func (h Header) blockTypeBits() BlockType { return BlockType((h.Extensions >> 8) & 0xf) }

func (h *Header) setBlockTypeBits(t BlockType) {
	h.Extensions = (h.Extensions &^ 0x0f00) | (uint16(t) << 8)
}

// countBits returns the extensions bits 12-15 (confirm_* hash count).
func (h Header) countBits() int { return int((h.Extensions >> 12) & 0xf) }

func (h *Header) setCountBits(n int) {
	h.Extensions = (h.Extensions &^ 0xf000) | (uint16(n&0xf) << 12)
}

func (h Header) bulkPullCountPresent() bool { return h.Extensions&0x1 != 0 }

func (h Header) nodeIDQuery() bool    { return h.Extensions&0x1 != 0 }
func (h Header) nodeIDResponse() bool { return h.Extensions&0x2 != 0 }

// EncodeHeader writes the 8-byte header.
func EncodeHeader(h Header) []byte {
	magic := networkMagic[h.Network]
	out := make([]byte, headerLen)
	out[0], out[1] = magic[0], magic[1]
	out[2] = h.VersionMax
	out[3] = h.VersionUsing
	out[4] = h.VersionMin
	out[5] = byte(h.Type)
	binary.LittleEndian.PutUint16(out[6:8], h.Extensions)
	return out
}

// DecodeHeader parses the 8-byte header, rejecting magic mismatches and
// versions below protocolVersionMin.
func DecodeHeader(data []byte, want Network, protocolVersionMin byte) (Header, error) {
	if len(data) < headerLen {
		return Header{}, fmt.Errorf("message: header too short: %d bytes", len(data))
	}
	magic := networkMagic[want]
	if data[0] != magic[0] || data[1] != magic[1] {
		return Header{}, fmt.Errorf("message: magic mismatch")
	}
	h := Header{
		Network:      want,
		VersionMax:   data[2],
		VersionUsing: data[3],
		VersionMin:   data[4],
		Type:         MessageType(data[5]),
		Extensions:   binary.LittleEndian.Uint16(data[6:8]),
	}
	if h.VersionUsing < protocolVersionMin {
		return Header{}, fmt.Errorf("message: version_using %d below protocol minimum %d", h.VersionUsing, protocolVersionMin)
	}
	return h, nil
}

// --- Typed message bodies ---

// KeepaliveMessage carries a small set of known peer endpoints.
type KeepaliveMessage struct {
	Peers []string // "host:port" strings; concrete socket addressing lives in the transport
}

// PublishMessage gossips a single block.
type PublishMessage struct {
	Block *Block
}

// ConfirmReqMessage requests a vote either for one block, or for count
// (hash, root) pairs when BlockType is not_a_block.
type ConfirmReqMessage struct {
	Block *Block // set when header's block-type bits != not_a_block
	Pairs []HashRootPair
}

type HashRootPair struct {
	Hash Hash
	Root Hash
}

// ConfirmAckMessage carries a signed vote, either with full blocks or
// hash-only payloads.
type ConfirmAckMessage struct {
	Vote *Vote
}

// Vote is a signed representative vote over up to twelve blocks.
type Vote struct {
	Account   Address
	Sequence  uint64
	Signature [64]byte
	Blocks    []*Block // mutually exclusive with Hashes
	Hashes    []Hash
}

// Size returns the number of referenced blocks/hashes. Verify rejects
// votes whose size is outside [1,12].
func (v *Vote) Size() int {
	if len(v.Blocks) > 0 {
		return len(v.Blocks)
	}
	return len(v.Hashes)
}

// HashList returns the hashes this vote covers regardless of whether it
// carries full blocks or hash-only payloads.
func (v *Vote) HashList() []Hash {
	if len(v.Blocks) > 0 {
		out := make([]Hash, len(v.Blocks))
		for i, b := range v.Blocks {
			out[i] = b.Hash()
		}
		return out
	}
	return v.Hashes
}

// voteHashablePrefix precedes the block-hashes in a full-block vote's
// hash, disambiguating it from a bare block-hash signature; hash-only
// votes omit it.
var voteHashablePrefix = []byte("vote ")

// Hashables returns the canonical bytes signed/hashed for a vote: an
// optional "vote " prefix, the block hashes in order, then the sequence
// number as little-endian u64.
func (v *Vote) Hashables() []byte {
	hashes := v.HashList()
	buf := make([]byte, 0, len(voteHashablePrefix)+32*len(hashes)+8)
	if len(v.Blocks) > 0 {
		buf = append(buf, voteHashablePrefix...)
	}
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], v.Sequence)
	buf = append(buf, seq[:]...)
	return buf
}

// Hash returns the Blake2b hash of the vote's hashables.
func (v *Vote) Hash() Hash { return BlakeHash(v.Hashables()) }

// Sign signs the vote's hashables with kp and sets Account/Signature.
func (v *Vote) Sign(kp *KeyPair) {
	v.Account = kp.Address
	v.Signature = kp.Sign(v.Hashables())
}

// Verify checks the vote's Ed25519 signature against its claimed Account.
func (v *Vote) Verify() bool {
	if v.Size() < 1 || v.Size() > 12 {
		return false
	}
	return VerifySignature(v.Account, v.Hashables(), v.Signature)
}

// --- wire (de)serialization for block bodies, shared by publish/confirm ---

// EncodeBlockWire serializes a block in its bit-exact wire layout
// (distinct from codec.go's store encoding, which also carries the
// side-band).
func EncodeBlockWire(b *Block) []byte {
	switch b.Type {
	case BlockOpen:
		buf := make([]byte, 0, 32*3+64+8)
		buf = append(buf, b.SourceHash[:]...)
		buf = append(buf, b.Representative[:]...)
		buf = append(buf, b.Account[:]...)
		buf = append(buf, b.Signature[:]...)
		buf = appendUint64BE(buf, b.Work)
		return buf
	case BlockSend:
		buf := make([]byte, 0, 32+32+16+64+8)
		buf = append(buf, b.Previous[:]...)
		buf = append(buf, b.Destination[:]...)
		bal := b.Balance.Bytes()
		buf = append(buf, bal[:]...)
		buf = append(buf, b.Signature[:]...)
		buf = appendUint64BE(buf, b.Work)
		return buf
	case BlockReceive:
		buf := make([]byte, 0, 32+32+64+8)
		buf = append(buf, b.Previous[:]...)
		buf = append(buf, b.SourceHash[:]...)
		buf = append(buf, b.Signature[:]...)
		buf = appendUint64BE(buf, b.Work)
		return buf
	case BlockChange:
		buf := make([]byte, 0, 32+32+64+8)
		buf = append(buf, b.Previous[:]...)
		buf = append(buf, b.Representative[:]...)
		buf = append(buf, b.Signature[:]...)
		buf = appendUint64BE(buf, b.Work)
		return buf
	case BlockState:
		buf := make([]byte, 0, 32*4+16+32+64+8)
		buf = append(buf, b.Account[:]...)
		buf = append(buf, b.Previous[:]...)
		buf = append(buf, b.Representative[:]...)
		bal := b.Balance.Bytes()
		buf = append(buf, bal[:]...)
		buf = append(buf, b.Link[:]...)
		buf = append(buf, b.Signature[:]...)
		buf = appendUint64BE(buf, b.Work)
		return buf
	default:
		return nil
	}
}

func appendUint64BE(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// DecodeBlockWire parses a block of the given type from its bit-exact wire
// layout.
func DecodeBlockWire(t BlockType, data []byte) (*Block, error) {
	b := &Block{Type: t}
	switch t {
	case BlockOpen:
		if len(data) != 32*3+64+8 {
			return nil, fmt.Errorf("message: open block wire length %d", len(data))
		}
		off := 0
		off = copyHash(&b.SourceHash, data, off)
		off = copyAddress(&b.Representative, data, off)
		off = copyAddress(&b.Account, data, off)
		off = copySig(&b.Signature, data, off)
		b.Work = binary.BigEndian.Uint64(data[off:])
	case BlockSend:
		if len(data) != 32+32+16+64+8 {
			return nil, fmt.Errorf("message: send block wire length %d", len(data))
		}
		off := 0
		off = copyHash(&b.Previous, data, off)
		off = copyAddress(&b.Destination, data, off)
		var bal [16]byte
		copy(bal[:], data[off:off+16])
		b.Balance = AmountFromBytes(bal)
		off += 16
		off = copySig(&b.Signature, data, off)
		b.Work = binary.BigEndian.Uint64(data[off:])
	case BlockReceive:
		if len(data) != 32+32+64+8 {
			return nil, fmt.Errorf("message: receive block wire length %d", len(data))
		}
		off := 0
		off = copyHash(&b.Previous, data, off)
		off = copyHash(&b.SourceHash, data, off)
		off = copySig(&b.Signature, data, off)
		b.Work = binary.BigEndian.Uint64(data[off:])
	case BlockChange:
		if len(data) != 32+32+64+8 {
			return nil, fmt.Errorf("message: change block wire length %d", len(data))
		}
		off := 0
		off = copyHash(&b.Previous, data, off)
		off = copyAddress(&b.Representative, data, off)
		off = copySig(&b.Signature, data, off)
		b.Work = binary.BigEndian.Uint64(data[off:])
	case BlockState:
		if len(data) != 32*4+16+64+8 {
			return nil, fmt.Errorf("message: state block wire length %d", len(data))
		}
		off := 0
		off = copyAddress(&b.Account, data, off)
		off = copyHash(&b.Previous, data, off)
		off = copyAddress(&b.Representative, data, off)
		var bal [16]byte
		copy(bal[:], data[off:off+16])
		b.Balance = AmountFromBytes(bal)
		off += 16
		off = copyHash(&b.Link, data, off)
		off = copySig(&b.Signature, data, off)
		b.Work = binary.BigEndian.Uint64(data[off:])
	default:
		return nil, fmt.Errorf("message: unsupported wire block type %s", t)
	}
	return b, nil
}

func copyHash(dst *Hash, data []byte, off int) int {
	copy(dst[:], data[off:off+32])
	return off + 32
}

func copyAddress(dst *Address, data []byte, off int) int {
	copy(dst[:], data[off:off+32])
	return off + 32
}

func copySig(dst *[64]byte, data []byte, off int) int {
	copy(dst[:], data[off:off+64])
	return off + 64
}

// EncodeConfirmAck serializes a confirm_ack body: account, signature,
// sequence, then either one block or count hashes. The sequence is
// little-endian only inside the vote hashables; embedded in the
// big-endian wire structure it is big-endian like every other field.
func EncodeConfirmAck(v *Vote) []byte {
	buf := make([]byte, 0, 32+64+8+32*12)
	buf = append(buf, v.Account[:]...)
	buf = append(buf, v.Signature[:]...)
	buf = appendUint64BE(buf, v.Sequence)
	if len(v.Blocks) == 1 {
		buf = append(buf, EncodeBlockWire(v.Blocks[0])...)
	} else {
		for _, h := range v.Hashes {
			buf = append(buf, h[:]...)
		}
	}
	return buf
}

// DecodeConfirmAck parses a confirm_ack body. blockType is not_a_block when
// the body carries count hash-only entries; otherwise it is the single
// block's type, read from the header's extensions bits.
func DecodeConfirmAck(data []byte, blockType BlockType, count int) (*Vote, error) {
	if len(data) < 32+64+8 {
		return nil, fmt.Errorf("message: confirm_ack too short")
	}
	v := &Vote{}
	off := 0
	off = copyAddress(&v.Account, data, off)
	off = copySig(&v.Signature, data, off)
	v.Sequence = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	if blockType == BlockNotABlock {
		v.Hashes = make([]Hash, 0, count)
		for i := 0; i < count; i++ {
			if off+32 > len(data) {
				return nil, fmt.Errorf("message: confirm_ack hash %d truncated", i)
			}
			var h Hash
			off = copyHash(&h, data, off)
			v.Hashes = append(v.Hashes, h)
		}
		return v, nil
	}
	blk, err := DecodeBlockWire(blockType, data[off:])
	if err != nil {
		return nil, err
	}
	v.Blocks = []*Block{blk}
	return v, nil
}

// EncodeConfirmReq serializes a confirm_req body, either a single block
// or count (hash, root) pairs.
func EncodeConfirmReq(m *ConfirmReqMessage) []byte {
	if m.Block != nil {
		return EncodeBlockWire(m.Block)
	}
	buf := make([]byte, 0, 64*len(m.Pairs))
	for _, p := range m.Pairs {
		buf = append(buf, p.Hash[:]...)
		buf = append(buf, p.Root[:]...)
	}
	return buf
}

// DecodeConfirmReq parses a confirm_req body.
func DecodeConfirmReq(data []byte, blockType BlockType, count int) (*ConfirmReqMessage, error) {
	if blockType != BlockNotABlock {
		blk, err := DecodeBlockWire(blockType, data)
		if err != nil {
			return nil, err
		}
		return &ConfirmReqMessage{Block: blk}, nil
	}
	if len(data) != 64*count {
		return nil, fmt.Errorf("message: confirm_req pair body length %d, want %d", len(data), 64*count)
	}
	m := &ConfirmReqMessage{Pairs: make([]HashRootPair, 0, count)}
	off := 0
	for i := 0; i < count; i++ {
		var p HashRootPair
		off = copyHash(&p.Hash, data, off)
		off = copyHash(&p.Root, data, off)
		m.Pairs = append(m.Pairs, p)
	}
	return m, nil
}
