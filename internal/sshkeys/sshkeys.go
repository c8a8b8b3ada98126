// Package sshkeys generates and loads the ED25519 keys used to log in to the
// SSH server that backs remote terminals.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// GenerateKeyPair generates an ED25519 key pair and returns the
// OpenSSH-format public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// LoadSigner reads and parses a private key file. A leading "~/" is expanded
// to the current user's home directory.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKey(data)
}

// SavePrivateKey writes a private key with 0600 permissions, creating the
// parent directory with 0700 if needed.
func SavePrivateKey(path string, privateKeyPEM []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, privateKeyPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line.
func Fingerprint(authorizedKey []byte) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(pub), nil
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		if h, err := os.UserHomeDir(); err == nil {
			return filepath.Join(h, p[2:])
		}
	}
	return p
}
