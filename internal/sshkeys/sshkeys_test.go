package sshkeys

import (
	"bytes"
	"encoding/pem"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pubKey)
	if err != nil {
		t.Fatalf("public key is not valid authorized_keys format: %v", err)
	}
	if parsed.Type() != "ssh-ed25519" {
		t.Errorf("expected key type ssh-ed25519, got %s", parsed.Type())
	}

	block, _ := pem.Decode(privKey)
	if block == nil {
		t.Fatal("private key is not valid PEM")
	}

	signer, err := ParsePrivateKey(privKey)
	if err != nil {
		t.Fatalf("private key cannot be parsed: %v", err)
	}
	if !bytes.Equal(signer.PublicKey().Marshal(), parsed.Marshal()) {
		t.Error("private key does not match public key")
	}
}

func TestGenerateKeyPairUniqueness(t *testing.T) {
	pub1, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("first GenerateKeyPair() error: %v", err)
	}
	pub2, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("second GenerateKeyPair() error: %v", err)
	}
	if bytes.Equal(pub1, pub2) {
		t.Error("two generated public keys are identical")
	}
}

func TestSaveAndLoadSigner(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "keys", "id_ed25519")
	if err := SavePrivateKey(path, priv); err != nil {
		t.Fatalf("SavePrivateKey() error: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat key: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("key permissions = %o, want 600", perm)
		}
	}

	signer, err := LoadSigner(path)
	if err != nil {
		t.Fatalf("LoadSigner() error: %v", err)
	}
	want, err := Fingerprint(pub)
	if err != nil {
		t.Fatalf("Fingerprint() error: %v", err)
	}
	if got := ssh.FingerprintSHA256(signer.PublicKey()); got != want {
		t.Errorf("fingerprint = %s, want %s", got, want)
	}
}

func TestLoadSignerNotFound(t *testing.T) {
	_, err := LoadSigner(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("expected error for missing key file")
	}
	if !strings.Contains(err.Error(), "read private key") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadSignerInvalidPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad")
	if err := os.WriteFile(path, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSigner(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprintInvalid(t *testing.T) {
	if _, err := Fingerprint([]byte("garbage")); err == nil {
		t.Fatal("expected error for invalid public key")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got, want := ExpandHome("~/.ssh/id_ed25519"), filepath.Join(home, ".ssh", "id_ed25519"); got != want {
		t.Errorf("ExpandHome = %q, want %q", got, want)
	}
	if got := ExpandHome("/etc/key"); got != "/etc/key" {
		t.Errorf("ExpandHome changed absolute path: %q", got)
	}
}
