// Package hostkey manages the SSH host key the server presents to clients.
//
// New installations get an ED25519 key stored as PKCS#8 PEM in
// <dir>/id_ed25519 (0600) with its public half in <dir>/id_ed25519.pub.
// An existing <dir>/id_rsa from older deployments is still honoured so that
// returning clients do not see a host key change.
package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "id_ed25519"
	publicKeyFile  = "id_ed25519.pub"
	legacyKeyFile  = "id_rsa"
)

// GenerateKeyPair generates an ED25519 key pair and returns the PEM-encoded
// private key and the OpenSSH authorized_keys form of the public key.
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

// LoadOrGenerate returns the host key signer stored in dir, creating and
// persisting a new ED25519 key when none exists.
func LoadOrGenerate(dir string) (ssh.Signer, error) {
	for _, name := range []string{privateKeyFile, legacyKeyFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read host key %s: %w", name, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", name, err)
		}
		return signer, nil
	}

	log.Printf("[hostkey] generating host key in %s", dir)
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := saveKeyPair(dir, priv, pub); err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("parse generated host key: %w", err)
	}
	return signer, nil
}

func saveKeyPair(dir string, privateKey, publicKey []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), publicKey, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// Fingerprint returns the SHA256 fingerprint of the signer's public key in
// the form clients show on first connect (SHA256:...).
func Fingerprint(signer ssh.Signer) string {
	return ssh.FingerprintSHA256(signer.PublicKey())
}
