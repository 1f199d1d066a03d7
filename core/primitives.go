package core

// Numeric and cryptographic primitives: addresses, hashes, 128-bit
// balances, signing, and the Blake2b work function. Every other
// component builds on the types declared here.

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Hash is a 32-byte Blake2b digest, used both for block hashes and vote
// hashes.
type Hash [32]byte

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return fmt.Sprintf("%x", [32]byte(h)) }

func (h Hash) Bytes() []byte { return h[:] }

// Address is a 32-byte Ed25519 public key identifying an account.
type Address [32]byte

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) Bytes() []byte { return a[:] }

func (a Address) String() string { return fmt.Sprintf("%x", [32]byte(a)) }

// AddressFromPublicKey copies an Ed25519 public key into an Address.
func AddressFromPublicKey(pub ed25519.PublicKey) (Address, error) {
	var a Address
	if len(pub) != len(a) {
		return a, fmt.Errorf("primitives: public key length %d, want %d", len(pub), len(a))
	}
	copy(a[:], pub)
	return a, nil
}

// Amount is a 128-bit unsigned balance, represented as two big-endian
// uint64 halves so it serializes to the fixed 16-byte wire layout
// directly.
type Amount struct {
	Hi, Lo uint64
}

func AmountFromUint64(v uint64) Amount { return Amount{Lo: v} }

func (a Amount) Big() *big.Int {
	v := new(big.Int).SetUint64(a.Hi)
	v.Lsh(v, 64)
	v.Or(v, new(big.Int).SetUint64(a.Lo))
	return v
}

func AmountFromBig(v *big.Int) Amount {
	mask := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(v, mask).Uint64()
	hi := new(big.Int).Rsh(v, 64).Uint64()
	return Amount{Hi: hi, Lo: lo}
}

// Cmp returns -1, 0 or 1 comparing a to b.
func (a Amount) Cmp(b Amount) int {
	if a.Hi != b.Hi {
		if a.Hi < b.Hi {
			return -1
		}
		return 1
	}
	if a.Lo != b.Lo {
		if a.Lo < b.Lo {
			return -1
		}
		return 1
	}
	return 0
}

// Add returns a+b and whether the addition overflowed 128 bits.
func (a Amount) Add(b Amount) (Amount, bool) {
	lo := a.Lo + b.Lo
	carry := uint64(0)
	if lo < a.Lo {
		carry = 1
	}
	hi := a.Hi + b.Hi + carry
	overflow := hi < a.Hi || (carry == 1 && hi == a.Hi)
	return Amount{Hi: hi, Lo: lo}, overflow
}

// Sub returns a-b and whether b > a (a negative spend).
func (a Amount) Sub(b Amount) (Amount, bool) {
	if a.Cmp(b) < 0 {
		return Amount{}, true
	}
	lo := a.Lo - b.Lo
	borrow := uint64(0)
	if a.Lo < b.Lo {
		borrow = 1
	}
	hi := a.Hi - b.Hi - borrow
	return Amount{Hi: hi, Lo: lo}, false
}

func (a Amount) Bytes() [16]byte {
	var out [16]byte
	binary.BigEndian.PutUint64(out[0:8], a.Hi)
	binary.BigEndian.PutUint64(out[8:16], a.Lo)
	return out
}

func AmountFromBytes(b [16]byte) Amount {
	return Amount{Hi: binary.BigEndian.Uint64(b[0:8]), Lo: binary.BigEndian.Uint64(b[8:16])}
}

// BlakeHash returns the Blake2b-256 digest of the concatenated inputs.
func BlakeHash(parts ...[]byte) Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("primitives: blake2b init: " + err.Error())
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// KeyPair bundles an Ed25519 signing key with its derived address, used by
// test fixtures and the genesis builder. Wallet key management proper
// lives outside the node.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	Address Address
}

// KeyPairFromPrivateKey wraps an existing Ed25519 private key (e.g. one
// loaded from a genesis bootstrap file) as a KeyPair.
func KeyPairFromPrivateKey(priv ed25519.PrivateKey) (*KeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("primitives: private key length %d, want %d", len(priv), ed25519.PrivateKeySize)
	}
	pub := priv.Public().(ed25519.PublicKey)
	addr, err := AddressFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv, Address: addr}, nil
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, fmt.Errorf("primitives: generate key: %w", err)
	}
	addr, err := AddressFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv, Address: addr}, nil
}

func (kp *KeyPair) Sign(msg []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(kp.Private, msg))
	return sig
}

// VerifySignature checks an Ed25519 signature against the account's public
// key (an address is the Ed25519 public key itself).
func VerifySignature(account Address, msg []byte, sig [64]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(account[:]), msg, sig[:])
}

// --- Work validation (component C's difficulty function) ---

// WorkValidate reports whether nonce w satisfies BLAKE2B-8(w ‖ root) ≥
// threshold. The nonce is hashed little-endian and the digest
// interpreted as a little-endian u64.
func WorkValidate(root Hash, w uint64, threshold uint64) bool {
	return workValue(root, w) >= threshold
}

func workValue(root Hash, w uint64) uint64 {
	h, err := blake2b.New(8, nil)
	if err != nil {
		panic("primitives: blake2b-8 init: " + err.Error())
	}
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], w)
	h.Write(nonce[:])
	h.Write(root[:])
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum)
}

// --- Address codec ---

const addressAlphabet = "13456789abcdefghijkmnopqrstuwxyz"

var addressDecodeTable [256]int8

func init() {
	for i := range addressDecodeTable {
		addressDecodeTable[i] = -1
	}
	for i, c := range addressAlphabet {
		addressDecodeTable[byte(c)] = int8(i)
	}
}

// EncodeAddress renders an address as "{prefix}{sep}{60-char base32}" where
// the payload is (key ‖ 5-byte Blake2b check), 5-bit grouped.
func EncodeAddress(prefix, sep string, a Address) string {
	check := addressCheck(a)
	payload := make([]byte, 0, len(a)+len(check))
	payload = append(payload, a[:]...)
	payload = append(payload, check[:]...)
	return prefix + sep + base32Encode(payload)
}

// DecodeAddress parses an address string produced by EncodeAddress,
// accepting either separator for backward compatibility. It returns an
// error if the checksum does not match.
func DecodeAddress(s string, prefixes []string) (Address, error) {
	var body string
	matched := false
	for _, p := range prefixes {
		for _, sep := range []string{"_", "-"} {
			full := p + sep
			if strings.HasPrefix(s, full) {
				body = s[len(full):]
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	if !matched {
		return Address{}, fmt.Errorf("primitives: unrecognized address prefix in %q", s)
	}
	payload, err := base32Decode(body)
	if err != nil {
		return Address{}, err
	}
	if len(payload) != 37 {
		return Address{}, fmt.Errorf("primitives: decoded address payload length %d, want 37", len(payload))
	}
	var a Address
	copy(a[:], payload[:32])
	var check [5]byte
	copy(check[:], payload[32:])
	if check != addressCheck(a) {
		return Address{}, fmt.Errorf("primitives: address checksum mismatch")
	}
	return a, nil
}

// addressCheck computes the 5-byte Blake2b check used by the address
// codec, stored little-endian.
func addressCheck(a Address) [5]byte {
	h, err := blake2b.New(5, nil)
	if err != nil {
		panic("primitives: blake2b-5 init: " + err.Error())
	}
	h.Write(a[:])
	sum := h.Sum(nil)
	var out [5]byte
	for i := range out {
		out[i] = sum[len(sum)-1-i]
	}
	return out
}

// base32Encode groups input bytes into 5-bit symbols from addressAlphabet,
// most-significant symbol first.
func base32Encode(data []byte) string {
	bitLen := len(data) * 8
	symLen := (bitLen + 4) / 5
	out := make([]byte, symLen)
	acc := uint64(0)
	bits := 0
	outIdx := symLen - 1
	for i := len(data) - 1; i >= 0; i-- {
		acc |= uint64(data[i]) << uint(bits)
		bits += 8
		for bits >= 5 {
			out[outIdx] = addressAlphabet[acc&0x1f]
			outIdx--
			acc >>= 5
			bits -= 5
		}
	}
	if bits > 0 {
		out[outIdx] = addressAlphabet[acc&0x1f]
	}
	return string(out)
}

func base32Decode(s string) ([]byte, error) {
	bitLen := len(s) * 5
	byteLen := bitLen / 8
	out := make([]byte, byteLen)
	acc := uint64(0)
	bits := 0
	outIdx := byteLen - 1
	for i := len(s) - 1; i >= 0; i-- {
		v := addressDecodeTable[s[i]]
		if v < 0 {
			return nil, fmt.Errorf("primitives: invalid address character %q", s[i])
		}
		acc |= uint64(v) << uint(bits)
		bits += 5
		for bits >= 8 {
			out[outIdx] = byte(acc & 0xff)
			outIdx--
			acc >>= 8
			bits -= 8
		}
	}
	return out, nil
}
