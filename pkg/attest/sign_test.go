package attest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSignAndVerifySignature(t *testing.T) {
	keyDir := t.TempDir()
	signer, err := NewSigner(keyDir, "auditor")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	att, err := Build(writeBundle(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := signer.Sign(att); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if att.Signature == nil || att.Signature.Alg != SignatureAlg || att.Signature.PubKeyID != "auditor" {
		t.Fatalf("unexpected signature %+v", att.Signature)
	}
	if err := VerifySignature(att, keyDir); err != nil {
		t.Fatalf("verify signature: %v", err)
	}

	att.Claim.Status = "completed"
	if err := VerifySignature(att, keyDir); err == nil {
		t.Fatalf("expected signature check to fail after the claim changed")
	}
}

func TestNewSignerReusesStoredKey(t *testing.T) {
	keyDir := t.TempDir()
	first, err := NewSigner(keyDir, "auditor")
	if err != nil {
		t.Fatalf("first signer: %v", err)
	}
	second, err := NewSigner(keyDir, "auditor")
	if err != nil {
		t.Fatalf("second signer: %v", err)
	}
	if !first.PublicKey.Equal(second.PublicKey) {
		t.Fatalf("expected the stored key to be reused")
	}

	info, err := os.Stat(filepath.Join(keyDir, "auditor.key"))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected key mode 0600, got %v", info.Mode().Perm())
	}
}

func TestSignerRejects(t *testing.T) {
	keyDir := t.TempDir()
	if _, err := NewSigner(keyDir, "../escape"); err == nil {
		t.Fatalf("expected invalid key id to be rejected")
	}
	if err := os.WriteFile(filepath.Join(keyDir, "short.key"), []byte("nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSigner(keyDir, "short"); err == nil {
		t.Fatalf("expected truncated key to be rejected")
	}

	att, err := Build(writeBundle(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := VerifySignature(att, keyDir); err == nil {
		t.Fatalf("expected unsigned attestation to be rejected")
	}

	signer, err := NewSigner(keyDir, "auditor")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if err := signer.Sign(att); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifySignature(att, t.TempDir()); err == nil {
		t.Fatalf("expected verification without the key to fail")
	}
}
