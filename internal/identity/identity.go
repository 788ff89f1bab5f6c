// Package identity loads and creates the node identity file named in §6 of
// the specification: a YAML document carrying the node's display name and
// its RSA private key, sealed under a passphrase via crypto.SealPrivate.
package identity

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
)

// document is the on-disk shape of the identity file.
type document struct {
	Name       string `yaml:"name"`
	PrivateKey string `yaml:"private_key"`
}

// Identity bundles the loaded key pair with the node's display name.
type Identity struct {
	Name string
	Keys *crypto.KeyPair
}

// Load reads the identity file at path, decrypting its private key under
// passphrase. If the file does not exist, a fresh identity is generated,
// its recovery mnemonic is returned (empty otherwise), and the identity is
// written back to path before returning.
func Load(path, name string, passphrase []byte) (ident *Identity, mnemonic string, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return create(path, name, passphrase)
	}
	if err != nil {
		return nil, "", fmt.Errorf("identity: read %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("identity: parse %s: %w", path, err)
	}
	blob, err := base64.StdEncoding.DecodeString(doc.PrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("identity: decode private key: %w", err)
	}
	der, err := crypto.OpenPrivate(blob, passphrase)
	if err != nil {
		return nil, "", fmt.Errorf("identity: unseal private key (wrong passphrase?): %w", err)
	}
	kp, err := crypto.UnmarshalKeyPair(der)
	if err != nil {
		return nil, "", fmt.Errorf("identity: %w", err)
	}
	return &Identity{Name: doc.Name, Keys: kp}, "", nil
}

func create(path, name string, passphrase []byte) (*Identity, string, error) {
	mnemonic, kp, err := crypto.NewMnemonicKeyPair()
	if err != nil {
		return nil, "", fmt.Errorf("identity: generate key pair: %w", err)
	}
	if err := save(path, name, kp, passphrase); err != nil {
		return nil, "", err
	}
	return &Identity{Name: name, Keys: kp}, mnemonic, nil
}

func save(path, name string, kp *crypto.KeyPair, passphrase []byte) error {
	sealed, err := crypto.SealPrivate(kp.MarshalPrivate(), passphrase)
	if err != nil {
		return fmt.Errorf("identity: seal private key: %w", err)
	}
	doc := document{
		Name:       name,
		PrivateKey: base64.StdEncoding.EncodeToString(sealed),
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: mkdir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}

// Recover rebuilds the identity for mnemonic and (re)writes it to path
// under passphrase, overwriting any existing file — the recovery flow of
// SPEC_FULL §F when a node's identity file is lost but its mnemonic is not.
func Recover(path, name, mnemonic string, passphrase []byte) (*Identity, error) {
	kp, err := crypto.KeyPairFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if err := save(path, name, kp, passphrase); err != nil {
		return nil, err
	}
	return &Identity{Name: name, Keys: kp}, nil
}
