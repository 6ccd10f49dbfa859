package keygen_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/radman021/nbft/security/crypto"
	"github.com/radman021/nbft/security/crypto/keygen"
)

func TestKeyFileRoundTrip(t *testing.T) {
	for _, name := range []string{crypto.NameEDDSA, crypto.NameECDSA, crypto.NameBLS12} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			privPath := filepath.Join(dir, "replica.key")
			pubPath := privPath + ".pub"

			key, err := keygen.GeneratePrivateKey(name)
			if err != nil {
				t.Fatalf("GeneratePrivateKey failed: %v", err)
			}
			if err := keygen.WritePrivateKeyFile(key, privPath); err != nil {
				t.Fatalf("WritePrivateKeyFile failed: %v", err)
			}
			if err := keygen.WritePublicKeyFile(key.Public(), pubPath); err != nil {
				t.Fatalf("WritePublicKeyFile failed: %v", err)
			}

			if _, err := keygen.ReadPrivateKeyFile(privPath); err != nil {
				t.Errorf("ReadPrivateKeyFile failed: %v", err)
			}
			if _, err := keygen.ReadPublicKeyFile(pubPath); err != nil {
				t.Errorf("ReadPublicKeyFile failed: %v", err)
			}
		})
	}
}

func TestGenerateConfiguration(t *testing.T) {
	dir := t.TempDir()
	if err := keygen.GenerateConfiguration(dir, crypto.NameEDDSA, 1, 4, "*.key"); err != nil {
		t.Fatalf("GenerateConfiguration failed: %v", err)
	}
	for i := 1; i <= 4; i++ {
		privPath := filepath.Join(dir, fmt.Sprintf("%d.key", i))
		if _, err := os.Stat(privPath); err != nil {
			t.Errorf("missing private key for replica %d: %v", i, err)
		}
		if _, err := os.Stat(privPath + ".pub"); err != nil {
			t.Errorf("missing public key for replica %d: %v", i, err)
		}
	}
}
