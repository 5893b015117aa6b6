package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// SignatureAlg is the only supported signature algorithm.
const SignatureAlg = "ed25519"

// Signature is a detached signature over the attestation with Signature
// unset.
type Signature struct {
	Alg      string `json:"alg"`
	PubKeyID string `json:"pubkey_id"`
	Sig      string `json:"sig"`
}

// Signer signs attestations with a key stored in a key directory.
type Signer struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	KeyID      string
}

// NewSigner loads keyDir/keyID.key, generating and storing a new key when
// none exists.
func NewSigner(keyDir, keyID string) (*Signer, error) {
	if err := checkKeyID(keyID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, err
	}

	keyPath := filepath.Join(keyDir, keyID+".key")
	var privateKey ed25519.PrivateKey

	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		if len(data) != ed25519.PrivateKeySize {
			return nil, errors.Newf("key %s has invalid size", keyID)
		}
		privateKey = ed25519.PrivateKey(data)
	case errors.Is(err, os.ErrNotExist):
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(keyPath, priv, 0o600); err != nil {
			return nil, err
		}
		privateKey = priv
	default:
		return nil, err
	}

	return &Signer{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
		KeyID:      keyID,
	}, nil
}

// Sign signs att and attaches the signature.
func (s *Signer) Sign(att *Attestation) error {
	data, err := signedPayload(att)
	if err != nil {
		return err
	}
	att.Signature = &Signature{
		Alg:      SignatureAlg,
		PubKeyID: s.KeyID,
		Sig:      base64.StdEncoding.EncodeToString(ed25519.Sign(s.PrivateKey, data)),
	}
	return nil
}

// VerifySignature checks the attached signature with the public half of
// the named key in keyDir.
func VerifySignature(att *Attestation, keyDir string) error {
	if att == nil {
		return errors.New("attestation is required")
	}
	sig := att.Signature
	if sig == nil {
		return errors.New("attestation is not signed")
	}
	if sig.Alg != SignatureAlg {
		return errors.Newf("unsupported signature algorithm %q", sig.Alg)
	}
	if err := checkKeyID(sig.PubKeyID); err != nil {
		return err
	}

	data, err := signedPayload(att)
	if err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return errors.Wrap(err, "decode signature")
	}

	keyData, err := os.ReadFile(filepath.Join(keyDir, sig.PubKeyID+".key"))
	if err != nil {
		return errors.Wrapf(err, "load key %s", sig.PubKeyID)
	}
	if len(keyData) != ed25519.PrivateKeySize {
		return errors.Newf("key %s has invalid size", sig.PubKeyID)
	}
	pub := ed25519.PrivateKey(keyData).Public().(ed25519.PublicKey)

	if !ed25519.Verify(pub, data, sigBytes) {
		return errors.New("invalid attestation signature")
	}
	return nil
}

func signedPayload(att *Attestation) ([]byte, error) {
	if att == nil {
		return nil, errors.New("attestation is required")
	}
	if att.Schema != SchemaV1 {
		return nil, errors.Newf("unknown attestation schema %q", att.Schema)
	}
	unsigned := *att
	unsigned.Signature = nil
	return json.Marshal(&unsigned)
}

func checkKeyID(keyID string) error {
	if keyID == "" || strings.ContainsAny(keyID, `/\.`) {
		return errors.Newf("invalid key id %q", keyID)
	}
	return nil
}
