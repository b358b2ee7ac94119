package signing

import (
	"crypto/ed25519"
	"fmt"

	"github.com/wesense/mesh-ingester/pkg/identity"
)

// Signer wraps reading payloads in signed envelopes using the node's
// identity keypair.
type Signer struct {
	km *identity.Manager
}

func NewSigner(km *identity.Manager) *Signer {
	return &Signer{km: km}
}

// Sign signs the exact payload bytes and stamps the envelope with the
// current identity and key version. The envelope is immutable once signed.
func (s *Signer) Sign(payload []byte) (*Envelope, error) {
	sig, err := s.km.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}

	return &Envelope{
		Payload:    payload,
		Signature:  sig,
		IngesterID: s.km.NodeID(),
		KeyVersion: s.km.KeyVersion(),
	}, nil
}

// Verify reports whether the envelope's signature is valid over its payload
// under pub. Malformed input is a false result, never a panic: routine
// verification failure is not an error condition.
func Verify(env *Envelope, pub ed25519.PublicKey) bool {
	if env == nil || len(pub) != ed25519.PublicKeySize || len(env.Signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, env.Payload, env.Signature)
}
