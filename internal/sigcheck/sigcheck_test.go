package sigcheck

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestVerifySignature_RoundTrip(t *testing.T) {
	v := New()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	msg := v.ManifestMessage("agent-1", "https://a.example/pay", "0xabc", 1,
		time.Unix(1700000000, 0), time.Unix(1700086400, 0), "base")

	sig, err := Sign(msg, key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if !v.VerifySignature(msg, sig, addr) {
		t.Error("VerifySignature() = false, want true for matching signer")
	}

	other, _ := crypto.GenerateKey()
	if v.VerifySignature(msg, sig, crypto.PubkeyToAddress(other.PublicKey)) {
		t.Error("VerifySignature() = true for wrong expected address")
	}
}

func TestVerifySignature_SingleBitFlipFails(t *testing.T) {
	v := New()
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)

	msg := v.ReceiptMessage("0xroot", 2, "a", "b", "m-1", "", 7, 1500, "base")
	sig, err := Sign(msg, key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	// Flipping any message field must break verification.
	tampered := v.ReceiptMessage("0xroot", 3, "a", "b", "m-1", "", 7, 1500, "base")
	if v.VerifySignature(tampered, sig, addr) {
		t.Error("VerifySignature() = true for tampered hop field")
	}

	// Flipping a signature byte must break verification, not panic or error.
	bad := []byte(sig)
	bad[10] ^= 1
	if v.VerifySignature(msg, string(bad), addr) {
		t.Error("VerifySignature() = true for corrupted signature byte")
	}
}

func TestVerifySignature_MalformedInputsReturnFalse(t *testing.T) {
	v := New()
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	msg := []byte("anything")

	cases := []string{
		"",
		"not-hex",
		"0x",
		"0xdeadbeef",
		"0x" + strings.Repeat("00", 65),
		"0x" + strings.Repeat("ff", 65),
	}
	for _, sig := range cases {
		if v.VerifySignature(msg, sig, addr) {
			t.Errorf("VerifySignature(%q) = true, want false", sig)
		}
	}
}

func TestVerifySignature_EthereumRecoveryID(t *testing.T) {
	v := New()
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	msg := []byte("wallet-style signature")

	sig, err := Sign(msg, key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	// Wallets emit V as 27/28; the verifier must accept both encodings.
	// The recovery id is the final byte, i.e. the last two hex chars.
	decoded := decodeHexByte(t, sig[len(sig)-2:])
	shiftedSig := sig[:len(sig)-2] + encodeHexByte(decoded+27)

	if !v.VerifySignature(msg, shiftedSig, addr) {
		t.Error("VerifySignature() rejected V=27/28 encoding")
	}
}

func decodeHexByte(t *testing.T, s string) byte {
	t.Helper()
	var b byte
	for _, c := range s {
		b <<= 4
		switch {
		case c >= '0' && c <= '9':
			b |= byte(c - '0')
		case c >= 'a' && c <= 'f':
			b |= byte(c-'a') + 10
		default:
			t.Fatalf("bad hex char %q", c)
		}
	}
	return b
}

func encodeHexByte(b byte) string {
	const hexdigits = "0123456789abcdef"
	return string([]byte{hexdigits[b>>4], hexdigits[b&0xf]})
}

func TestContentHash_StableAndSensitive(t *testing.T) {
	v := New()
	m1 := v.ManifestMessage("agent-1", "https://a.example", "pk", 1,
		time.Unix(100, 0), time.Unix(200, 0), "base")
	m2 := v.ManifestMessage("agent-1", "https://a.example", "pk", 1,
		time.Unix(100, 0), time.Unix(200, 0), "base")

	if v.ContentHash(m1) != v.ContentHash(m2) {
		t.Error("ContentHash not stable for identical input")
	}

	m3 := v.ManifestMessage("agent-1", "https://a.example", "pk", 2,
		time.Unix(100, 0), time.Unix(200, 0), "base")
	if v.ContentHash(m1) == v.ContentHash(m3) {
		t.Error("ContentHash identical after nonce change")
	}
}

func TestRoutingHash_OrderSensitive(t *testing.T) {
	v := New()
	h1 := v.RoutingHash("0xroot", []string{"a->b", "b->c"})
	h2 := v.RoutingHash("0xroot", []string{"b->c", "a->b"})
	if h1 == h2 {
		t.Error("RoutingHash must depend on hop order")
	}
}

func TestEvidenceHash_FieldOrderIndependent(t *testing.T) {
	v := New()
	h1, err := v.EvidenceHash(map[string]any{"block": 10, "tx_index": 3})
	if err != nil {
		t.Fatalf("EvidenceHash() error = %v", err)
	}
	h2, err := v.EvidenceHash(map[string]any{"tx_index": 3, "block": 10})
	if err != nil {
		t.Fatalf("EvidenceHash() error = %v", err)
	}
	if h1 != h2 {
		t.Error("EvidenceHash differs for logically equal payloads")
	}
}
