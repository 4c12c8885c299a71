// Package sigcheck recovers personal-message signers and computes the
// deterministic content hashes used as manifest, receipt, routing, and
// evidence identifiers.
//
// Every input here is attacker-controlled: malformed signatures verify
// false, they never error.
package sigcheck

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// Message domain separators. Versioned so a future field change cannot
// collide with old signatures.
const (
	manifestMsgPrefix = "routeguard.manifest.v1"
	receiptMsgPrefix  = "routeguard.receipt.v1"
	routingMsgPrefix  = "routeguard.routing.v1"
)

// Verifier performs signature recovery and content hashing. It is stateless;
// it exists as a struct so services take it as an injected dependency and
// tests can substitute it.
type Verifier struct{}

// New creates a Verifier.
func New() *Verifier {
	return &Verifier{}
}

// ManifestMessage builds the canonical byte message an agent owner signs when
// publishing a manifest. Field order is fixed and load-bearing.
func (v *Verifier) ManifestMessage(agentUUID, endpointURI, pubkey string, nonce uint64, validFrom, validUntil time.Time, chain string) []byte {
	fields := []string{
		manifestMsgPrefix,
		agentUUID,
		endpointURI,
		pubkey,
		strconv.FormatUint(nonce, 10),
		strconv.FormatInt(validFrom.Unix(), 10),
		strconv.FormatInt(validUntil.Unix(), 10),
		chain,
	}
	return []byte(strings.Join(fields, "\n"))
}

// ReceiptMessage builds the canonical byte message the destination owner
// signs when accepting a forward.
func (v *Verifier) ReceiptMessage(rootTxHash string, hop int, sourceUUID, destUUID, manifestID, nextHopHash string, receiptNonce uint64, amountUSDC int64, chain string) []byte {
	fields := []string{
		receiptMsgPrefix,
		rootTxHash,
		strconv.Itoa(hop),
		sourceUUID,
		destUUID,
		manifestID,
		nextHopHash,
		strconv.FormatUint(receiptNonce, 10),
		strconv.FormatInt(amountUSDC, 10),
		chain,
	}
	return []byte(strings.Join(fields, "\n"))
}

// ContentHash returns the 0x-hex Keccak-256 of a canonical message.
func (v *Verifier) ContentHash(msg []byte) string {
	return hexutil.Encode(crypto.Keccak256(msg))
}

// RoutingHash commits to an ordered hop list for a root transaction. Each
// element must already be in "source->dest" form ordered by hop.
func (v *Verifier) RoutingHash(rootTxHash string, hops []string) string {
	msg := routingMsgPrefix + "\n" + rootTxHash + "\n" + strings.Join(hops, "\n")
	return v.ContentHash([]byte(msg))
}

// EvidenceHash hashes an arbitrary evidence payload after RFC 8785
// canonicalization, so logically equal payloads hash identically regardless
// of field order in the caller's JSON.
func (v *Verifier) EvidenceHash(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize evidence: %w", err)
	}
	return v.ContentHash(canonical), nil
}

// VerifySignature recovers the signer of a personal-message signature over
// msg and reports whether it matches expected. Any malformed input yields
// false; the caller never sees an error for attacker-controlled bytes.
func (v *Verifier) VerifySignature(msg []byte, signatureHex string, expected common.Address) bool {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}

	// Accept both raw (0/1) and Ethereum-style (27/28) recovery ids.
	rec := make([]byte, crypto.SignatureLength)
	copy(rec, sig)
	if rec[64] >= 27 {
		rec[64] -= 27
	}
	if rec[64] > 1 {
		return false
	}

	pub, err := crypto.SigToPub(personalDigest(msg), rec)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == expected
}

// Sign produces a personal-message signature over msg. Used by the seed
// tooling and tests; the service itself only ever verifies.
func Sign(msg []byte, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(personalDigest(msg), key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// personalDigest applies the Ethereum personal-message prefix before hashing,
// so signatures produced by standard wallet tooling verify here.
func personalDigest(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}
