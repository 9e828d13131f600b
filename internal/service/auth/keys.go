package auth

import (
	"bufio"
	"bytes"
	"crypto/rsa"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// KeySource yields the public keys allowed to log in.
type KeySource interface {
	PublicKeys() ([]*rsa.PublicKey, error)
}

// KeyFile reads an OpenSSH authorized_keys file, one key per line.
type KeyFile struct {
	Path string
}

// PublicKeys parses every RSA key in the file. Blank lines, comments and
// non-RSA keys are skipped. A read failure wraps ErrKeyFileUnreadable.
func (f KeyFile) PublicKeys() ([]*rsa.PublicKey, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFileUnreadable, err)
	}
	return ParseAuthorizedKeys(data), nil
}

// ParseAuthorizedKeys extracts RSA public keys from authorized_keys content.
func ParseAuthorizedKeys(data []byte) []*rsa.PublicKey {
	var keys []*rsa.PublicKey
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		pub, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			continue
		}
		cryptoPub, ok := pub.(ssh.CryptoPublicKey)
		if !ok {
			continue
		}
		if rsaPub, ok := cryptoPub.CryptoPublicKey().(*rsa.PublicKey); ok {
			keys = append(keys, rsaPub)
		}
	}
	return keys
}
