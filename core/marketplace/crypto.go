package marketplace

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HashTerms computes the canonical digest binding every protocol message to
// one negotiation. Maps are marshaled with sorted keys and the expiry is
// reduced to Unix seconds, so two semantically equal Terms always hash the
// same regardless of field insertion order.
func HashTerms(t Terms) string {
	params := t.Params
	if params == nil {
		params = map[string]string{}
	}
	canonical := map[string]interface{}{
		"task_kind":   string(t.TaskKind),
		"params":      params,
		"price_units": t.PriceUnits,
		"bond_units":  t.BondUnits,
		"denom":       t.Denom,
		"expires_at":  t.ExpiresAt.UTC().Unix(),
	}
	// encoding/json sorts map keys, which is the entire canonicalization.
	raw, err := json.Marshal(canonical)
	if err != nil {
		// Only unmarshalable values can fail here and Terms contains none.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// GenerateIdentity mints a fresh ed25519 keypair. The hex-encoded public key
// doubles as the party's identity/address on the wire.
func GenerateIdentity() (string, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate identity: %w", err)
	}
	return hex.EncodeToString(pub), priv, nil
}

// Sign produces a hex-encoded signature over the payload.
func Sign(key ed25519.PrivateKey, payload []byte) string {
	return hex.EncodeToString(ed25519.Sign(key, payload))
}

// VerifySignature reports whether sig was produced over payload by the key
// behind identity. It sits on a trust boundary fed counterparty bytes, so it
// never panics on garbage: any malformed input yields false.
func VerifySignature(identity string, payload []byte, sig string) bool {
	pub, err := hex.DecodeString(identity)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	raw, err := hex.DecodeString(sig)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, raw)
}

// NewJobID returns a fresh identifier with enough entropy that a stale
// message can never collide with a new negotiation.
func NewJobID() string {
	return "job-" + uuid.NewString()
}

// QuotePayload is the byte string a provider signs when quoting.
func QuotePayload(termsHash string, priceUnits, bondUnits int64, provider string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d|%s", termsHash, priceUnits, bondUnits, provider))
}

// AcceptancePayload is the byte string a requester signs to commit to terms.
func AcceptancePayload(jobID, termsHash string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s", jobID, termsHash, ts.UTC().Format(time.RFC3339Nano)))
}

// ReceiptPayload is the byte string a provider signs to claim completion.
func ReceiptPayload(jobID, termsHash, artifactRef string, completedAt time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", jobID, termsHash, artifactRef, completedAt.UTC().Format(time.RFC3339Nano)))
}
