// Package security loads the key material used to reach devices: the SSH
// private key the executor authenticates with, the public key installed into
// remote-access sessions, and the known_hosts file used to verify devices.
package security

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrInvalidKey is returned when PEM or key type is invalid.
var ErrInvalidKey = errors.New("invalid key")

// LoadPEM reads content from path if s does not look like inline PEM; otherwise returns s as bytes.
// Literal "\n" sequences in inline PEM (as found in environment variables) become newlines.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(strings.ReplaceAll(s, `\n`, "\n")), nil
	}
	return os.ReadFile(s)
}

// ParseSigner parses an SSH private key (OpenSSH, PKCS#1, PKCS#8 or SEC 1). s may be
// inline PEM or a file path. passphrase is used only when the key is encrypted.
func ParseSigner(s string, passphrase []byte) (ssh.Signer, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && len(passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return signer, nil
}

// ParseAuthorizedKey parses a public key in authorized_keys format. s may be the key
// itself or a path to a .pub file. It returns the key and its canonical single-line
// form without comment.
func ParseAuthorizedKey(s string) (ssh.PublicKey, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", ErrInvalidKey
	}
	raw := []byte(s)
	if !strings.ContainsAny(s, " \t") {
		b, err := os.ReadFile(s)
		if err != nil {
			return nil, "", err
		}
		raw = b
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return pub, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))), nil
}

// HostKeyCallback verifies hosts against knownHostsPath. An empty path accepts any
// host key.
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(knownHostsPath) == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}
