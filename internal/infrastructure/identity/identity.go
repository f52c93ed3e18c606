// Package identity manages the node key pair and room topics.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"meshcam/internal/core/domain"
)

const TopicSize = 32

// Identity is the node key pair. The public key is the peer id.
type Identity struct {
	private ed25519.PrivateKey
}

func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Identity{private: priv}, nil
}

// LoadOrCreate reads a PKCS#8 PEM key from path, creating one when the file
// does not exist. An empty path yields an ephemeral identity.
func LoadOrCreate(path string) (*Identity, bool, error) {
	if path == "" {
		id, err := Generate()
		return id, true, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := Generate()
		if err != nil {
			return nil, false, err
		}
		if err := id.Save(path); err != nil {
			return nil, false, err
		}
		return id, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, false, fmt.Errorf("key file %s: no PRIVATE KEY block", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("key file %s: %w", path, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, false, fmt.Errorf("key file %s: not an ed25519 key", path)
	}
	return &Identity{private: priv}, false, nil
}

func (i *Identity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(i.private)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return os.WriteFile(path, data, 0o600)
}

func (i *Identity) PeerID() domain.PeerID {
	return domain.PeerIDFromBytes(i.private.Public().(ed25519.PublicKey))
}

// NewTopic returns a fresh random room topic.
func NewTopic() ([]byte, error) {
	topic := make([]byte, TopicSize)
	if _, err := rand.Read(topic); err != nil {
		return nil, err
	}
	return topic, nil
}

// ParseTopic decodes a hex room topic.
func ParseTopic(s string) ([]byte, error) {
	topic, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid room topic: %w", err)
	}
	if len(topic) != TopicSize {
		return nil, fmt.Errorf("invalid room topic: want %d bytes, got %d", TopicSize, len(topic))
	}
	return topic, nil
}
