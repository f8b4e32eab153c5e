// genkey writes an Ed25519 key pair for mitoshi JWT signing and prints
// fresh admin and viewer API keys for the environment.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// The server generates ephemeral signing keys when MITOSHI_JWT_PRIVATE_KEY
// is unset; those die with the process and invalidate every issued token.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

func main() {
	dir := flag.String("dir", "data", "directory for the PEM files")
	flag.Parse()

	if err := run(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "genkey: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	// Never overwrite: rotating keys invalidates live tokens.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, delete it first to rotate keys", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	admin, err := apiKey()
	if err != nil {
		return err
	}
	viewer, err := apiKey()
	if err != nil {
		return err
	}
	fmt.Printf("MITOSHI_JWT_PRIVATE_KEY=%s\n", privPath)
	fmt.Printf("MITOSHI_JWT_PUBLIC_KEY=%s\n", pubPath)
	fmt.Printf("MITOSHI_ADMIN_API_KEY=%s\n", admin)
	fmt.Printf("MITOSHI_VIEWER_API_KEY=%s\n", viewer)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// apiKey returns 32 random bytes, URL-safe base64.
func apiKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "mtk_" + base64.RawURLEncoding.EncodeToString(b), nil
}
