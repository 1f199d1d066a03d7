package core

// Store-internal encodings for Block/SideBand/AccountInfo/PendingInfo.
// These are separate from the network wire format handled by message.go;
// a single fixed-width layout per type keeps store.go's Get/Put trivial
// and keeps codec bugs out of the hot ledger path.

import (
	"encoding/binary"
	"fmt"
)

const storedBlockLen = 1 + 32*6 + 16 + 64 + 8 + /*sideband*/ 32 + 32 + 16 + 8 + 8 + 1

func encodeStoredBlock(sb StoredBlock) []byte {
	b := sb.Block
	out := make([]byte, storedBlockLen)
	off := 0
	out[off] = byte(b.Type)
	off++
	off = putHash(out, off, b.Previous)
	off = putHash(out, off, b.SourceHash)
	off = putAddress(out, off, b.Destination)
	off = putAddress(out, off, b.Representative)
	off = putAddress(out, off, b.Account)
	off = putHash(out, off, b.Link)
	off = putAmount(out, off, b.Balance)
	copy(out[off:], b.Signature[:])
	off += 64
	binary.BigEndian.PutUint64(out[off:], b.Work)
	off += 8

	off = putHash(out, off, sb.SideBand.Successor)
	off = putAddress(out, off, sb.SideBand.Account)
	off = putAmount(out, off, sb.SideBand.Balance)
	binary.BigEndian.PutUint64(out[off:], sb.SideBand.Height)
	off += 8
	binary.BigEndian.PutUint64(out[off:], sb.SideBand.Timestamp)
	off += 8
	out[off] = byte(sb.SideBand.Type)
	return out
}

func decodeStoredBlock(data []byte) (StoredBlock, error) {
	if len(data) != storedBlockLen {
		return StoredBlock{}, fmt.Errorf("codec: stored block length %d, want %d", len(data), storedBlockLen)
	}
	b := &Block{}
	off := 0
	b.Type = BlockType(data[off])
	off++
	copy(b.Previous[:], data[off:off+32])
	off += 32
	copy(b.SourceHash[:], data[off:off+32])
	off += 32
	copy(b.Destination[:], data[off:off+32])
	off += 32
	copy(b.Representative[:], data[off:off+32])
	off += 32
	copy(b.Account[:], data[off:off+32])
	off += 32
	copy(b.Link[:], data[off:off+32])
	off += 32
	var balBytes [16]byte
	copy(balBytes[:], data[off:off+16])
	b.Balance = AmountFromBytes(balBytes)
	off += 16
	copy(b.Signature[:], data[off:off+64])
	off += 64
	b.Work = binary.BigEndian.Uint64(data[off : off+8])
	off += 8

	var sb SideBand
	copy(sb.Successor[:], data[off:off+32])
	off += 32
	copy(sb.Account[:], data[off:off+32])
	off += 32
	var sbBal [16]byte
	copy(sbBal[:], data[off:off+16])
	sb.Balance = AmountFromBytes(sbBal)
	off += 16
	sb.Height = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	sb.Timestamp = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	sb.Type = BlockType(data[off])

	return StoredBlock{Block: b, SideBand: sb}, nil
}

const accountInfoLen = 32*3 + 16 + 8 + 8 + 8 + 1

func encodeAccountInfo(ai AccountInfo) []byte {
	out := make([]byte, accountInfoLen)
	off := 0
	off = putHash(out, off, ai.Head)
	off = putHash(out, off, ai.OpenBlock)
	off = putHash(out, off, ai.RepBlock)
	off = putAmount(out, off, ai.Balance)
	binary.BigEndian.PutUint64(out[off:], ai.Modified)
	off += 8
	binary.BigEndian.PutUint64(out[off:], ai.BlockCount)
	off += 8
	binary.BigEndian.PutUint64(out[off:], ai.ConfirmationHeight)
	off += 8
	out[off] = ai.Epoch
	return out
}

func decodeAccountInfo(data []byte) (AccountInfo, error) {
	if len(data) != accountInfoLen {
		return AccountInfo{}, fmt.Errorf("codec: account info length %d, want %d", len(data), accountInfoLen)
	}
	var ai AccountInfo
	off := 0
	copy(ai.Head[:], data[off:off+32])
	off += 32
	copy(ai.OpenBlock[:], data[off:off+32])
	off += 32
	copy(ai.RepBlock[:], data[off:off+32])
	off += 32
	var bal [16]byte
	copy(bal[:], data[off:off+16])
	ai.Balance = AmountFromBytes(bal)
	off += 16
	ai.Modified = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	ai.BlockCount = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	ai.ConfirmationHeight = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	ai.Epoch = data[off]
	return ai, nil
}

const pendingInfoLen = 32 + 16 + 1

func encodePendingInfo(p PendingInfo) []byte {
	out := make([]byte, pendingInfoLen)
	off := putAddress(out, 0, p.Source)
	off = putAmount(out, off, p.Amount)
	out[off] = p.Epoch
	return out
}

func decodePendingInfo(data []byte) (PendingInfo, error) {
	if len(data) != pendingInfoLen {
		return PendingInfo{}, fmt.Errorf("codec: pending info length %d, want %d", len(data), pendingInfoLen)
	}
	var p PendingInfo
	copy(p.Source[:], data[0:32])
	var amt [16]byte
	copy(amt[:], data[32:48])
	p.Amount = AmountFromBytes(amt)
	p.Epoch = data[48]
	return p, nil
}

func encodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func decodeUint64(data []byte) uint64 { return binary.BigEndian.Uint64(data) }

func encodeAmount(a Amount) []byte {
	b := a.Bytes()
	return b[:]
}

func decodeAmount(data []byte) (Amount, error) {
	if len(data) != 16 {
		return Amount{}, fmt.Errorf("codec: amount length %d, want 16", len(data))
	}
	var b [16]byte
	copy(b[:], data)
	return AmountFromBytes(b), nil
}

// pendingKey packs (destination account, send hash) for the pending_v*
// tables.
func pendingKey(dest Address, send Hash) []byte {
	key := make([]byte, 64)
	copy(key[:32], dest[:])
	copy(key[32:], send[:])
	return key
}

// uncheckedKey packs (dependency hash, block hash) for the unchecked
// table.
func uncheckedKey(dep, block Hash) []byte {
	key := make([]byte, 64)
	copy(key[:32], dep[:])
	copy(key[32:], block[:])
	return key
}

// blockFieldsLen is the shared prefix of encodeStoredBlock's layout
// (everything but the side-band), reused by the unchecked-table codec
// since an unchecked entry has no side-band yet.
const blockFieldsLen = 1 + 32*6 + 16 + 64 + 8

func encodeBlockFields(b *Block) []byte {
	out := make([]byte, blockFieldsLen)
	off := 0
	out[off] = byte(b.Type)
	off++
	off = putHash(out, off, b.Previous)
	off = putHash(out, off, b.SourceHash)
	off = putAddress(out, off, b.Destination)
	off = putAddress(out, off, b.Representative)
	off = putAddress(out, off, b.Account)
	off = putHash(out, off, b.Link)
	off = putAmount(out, off, b.Balance)
	copy(out[off:], b.Signature[:])
	off += 64
	binary.BigEndian.PutUint64(out[off:], b.Work)
	return out
}

func decodeBlockFields(data []byte) (*Block, error) {
	if len(data) != blockFieldsLen {
		return nil, fmt.Errorf("codec: block fields length %d, want %d", len(data), blockFieldsLen)
	}
	b := &Block{}
	off := 0
	b.Type = BlockType(data[off])
	off++
	copy(b.Previous[:], data[off:off+32])
	off += 32
	copy(b.SourceHash[:], data[off:off+32])
	off += 32
	copy(b.Destination[:], data[off:off+32])
	off += 32
	copy(b.Representative[:], data[off:off+32])
	off += 32
	copy(b.Account[:], data[off:off+32])
	off += 32
	copy(b.Link[:], data[off:off+32])
	off += 32
	var bal [16]byte
	copy(bal[:], data[off:off+16])
	b.Balance = AmountFromBytes(bal)
	off += 16
	copy(b.Signature[:], data[off:off+64])
	off += 64
	b.Work = binary.BigEndian.Uint64(data[off : off+8])
	return b, nil
}

const uncheckedInfoLen = blockFieldsLen + 32 + 8 + 1

func encodeUncheckedInfo(u UncheckedInfo) []byte {
	out := make([]byte, 0, uncheckedInfoLen)
	out = append(out, encodeBlockFields(u.Block)...)
	out = append(out, u.Signer[:]...)
	out = append(out, encodeUint64(u.ArrivalTime)...)
	out = append(out, byte(u.Verification))
	return out
}

func decodeUncheckedInfo(data []byte) (UncheckedInfo, error) {
	if len(data) != uncheckedInfoLen {
		return UncheckedInfo{}, fmt.Errorf("codec: unchecked info length %d, want %d", len(data), uncheckedInfoLen)
	}
	blk, err := decodeBlockFields(data[:blockFieldsLen])
	if err != nil {
		return UncheckedInfo{}, err
	}
	var signer Address
	copy(signer[:], data[blockFieldsLen:blockFieldsLen+32])
	arrival := decodeUint64(data[blockFieldsLen+32 : blockFieldsLen+40])
	verification := UncheckedVerification(data[blockFieldsLen+40])
	return UncheckedInfo{Block: blk, Signer: signer, ArrivalTime: arrival, Verification: verification}, nil
}
