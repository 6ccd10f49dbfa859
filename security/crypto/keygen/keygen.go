// Package keygen provides helpers for generating and storing signing keys.
package keygen

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/security/crypto"
)

// GeneratePrivateKey returns a new private key for the named crypto implementation.
// If name is empty, an EDDSA key is generated.
func GeneratePrivateKey(name string) (key nbft.PrivateKey, err error) {
	switch name {
	case crypto.NameEDDSA, "":
		_, key, err = ed25519.GenerateKey(rand.Reader)
	case crypto.NameECDSA:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case crypto.NameBLS12:
		key, err = crypto.GenerateBLS12PrivateKey()
	default:
		return nil, fmt.Errorf("keygen: invalid crypto implementation: %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("keygen: failed to generate key: %w", err)
	}
	return key, nil
}

// WritePrivateKeyFile writes a private key to the specified file.
func WritePrivateKeyFile(key nbft.PrivateKey, filePath string) (err error) {
	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return
	}

	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var marshalled []byte
	var keyType string
	switch k := key.(type) {
	case ed25519.PrivateKey:
		marshalled, err = x509.MarshalPKCS8PrivateKey(k)
		if err != nil {
			return
		}
		keyType = crypto.EDDSAPrivateKeyFileType
	case *ecdsa.PrivateKey:
		marshalled, err = x509.MarshalECPrivateKey(k)
		if err != nil {
			return
		}
		keyType = crypto.ECDSAPrivateKeyFileType
	case *crypto.BLS12PrivateKey:
		marshalled = k.ToBytes()
		keyType = crypto.BLS12PrivateKeyFileType
	default:
		return fmt.Errorf("keygen: unsupported private key type: %T", key)
	}

	b := &pem.Block{
		Type:  keyType,
		Bytes: marshalled,
	}

	err = pem.Encode(f, b)
	return
}

// WritePublicKeyFile writes a public key to the specified file.
func WritePublicKeyFile(key nbft.PublicKey, filePath string) (err error) {
	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var marshalled []byte
	var keyType string
	switch k := key.(type) {
	case ed25519.PublicKey:
		marshalled, err = x509.MarshalPKIXPublicKey(k)
		if err != nil {
			return
		}
		keyType = crypto.EDDSAPublicKeyFileType
	case *ecdsa.PublicKey:
		marshalled, err = x509.MarshalPKIXPublicKey(k)
		if err != nil {
			return
		}
		keyType = crypto.ECDSAPublicKeyFileType
	case *crypto.BLS12PublicKey:
		marshalled = k.ToBytes()
		keyType = crypto.BLS12PublicKeyFileType
	default:
		return fmt.Errorf("keygen: unsupported public key type: %T", key)
	}

	b := &pem.Block{
		Type:  keyType,
		Bytes: marshalled,
	}

	err = pem.Encode(f, b)
	return
}

func readPemFile(file string) (b *pem.Block, err error) {
	d, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	b, _ = pem.Decode(d)
	if b == nil {
		return nil, fmt.Errorf("keygen: failed to decode PEM")
	}
	return b, nil
}

// ReadPrivateKeyFile reads a private key from the specified file.
func ReadPrivateKeyFile(keyFile string) (key nbft.PrivateKey, err error) {
	b, err := readPemFile(keyFile)
	if err != nil {
		return nil, err
	}

	switch b.Type {
	case crypto.EDDSAPrivateKeyFileType:
		var k any
		k, err = x509.ParsePKCS8PrivateKey(b.Bytes)
		if err == nil {
			var ok bool
			if key, ok = k.(ed25519.PrivateKey); !ok {
				return nil, fmt.Errorf("keygen: key was of wrong type: %T", k)
			}
		}
	case crypto.ECDSAPrivateKeyFileType:
		key, err = x509.ParseECPrivateKey(b.Bytes)
	case crypto.BLS12PrivateKeyFileType:
		k := &crypto.BLS12PrivateKey{}
		k.FromBytes(b.Bytes)
		key = k
	default:
		return nil, fmt.Errorf("keygen: file type did not match any known types")
	}

	if err != nil {
		return nil, fmt.Errorf("keygen: failed to parse key: %w", err)
	}
	return
}

// ReadPublicKeyFile reads a public key from the specified file.
func ReadPublicKeyFile(keyFile string) (key nbft.PublicKey, err error) {
	b, err := readPemFile(keyFile)
	if err != nil {
		return nil, err
	}

	switch b.Type {
	case crypto.EDDSAPublicKeyFileType, crypto.ECDSAPublicKeyFileType:
		key, err = x509.ParsePKIXPublicKey(b.Bytes)
	case crypto.BLS12PublicKeyFileType:
		k := &crypto.BLS12PublicKey{}
		if err = k.FromBytes(b.Bytes); err == nil {
			key = k
		}
	default:
		return nil, fmt.Errorf("keygen: file type did not match any known types")
	}

	if err != nil {
		return nil, fmt.Errorf("keygen: failed to parse key: %w", err)
	}
	return
}

// GenerateConfiguration creates keys for a configuration of n replicas using the named
// crypto implementation. The keys are saved in the directory specified by dest.
// firstID specifies the ID of the first replica in the configuration.
// pattern describes the naming of key files: '*.key' results in private keys named
// '1.key' and public keys named '1.key.pub', if 1 is the starting ID.
func GenerateConfiguration(dest, name string, firstID, n int, pattern string) error {
	info, err := os.Stat(dest)
	if errors.Is(err, os.ErrNotExist) {
		if err = os.MkdirAll(dest, 0755); err != nil {
			return fmt.Errorf("keygen: cannot create %q directory: %w", dest, err)
		}
	} else if err != nil {
		return fmt.Errorf("keygen: cannot stat %q: %w", dest, err)
	} else if !info.IsDir() {
		return fmt.Errorf("keygen: destination %q is not a directory", dest)
	}

	for i := 0; i < n; i++ {
		key, err := GeneratePrivateKey(name)
		if err != nil {
			return err
		}

		basePath := filepath.Join(dest, strings.ReplaceAll(pattern, "*", fmt.Sprintf("%d", firstID+i)))
		if err := writeKeyFiles(key, basePath); err != nil {
			return err
		}
	}
	return nil
}

// writeKeyFiles writes both the private and the public key to files.
func writeKeyFiles(key nbft.PrivateKey, keyPath string) error {
	if err := WritePrivateKeyFile(key, keyPath); err != nil {
		return fmt.Errorf("keygen: failed to write private key file: %w", err)
	}
	if err := WritePublicKeyFile(key.Public(), keyPath+".pub"); err != nil {
		return fmt.Errorf("keygen: failed to write public key file: %w", err)
	}
	return nil
}
