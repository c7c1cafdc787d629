package reqresp

import (
	"encoding/json"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/openfam/openfam/internal/famerrors"
)

// persistentIdentity is the on-disk form of a node's libp2p keypair, so a
// famd instance keeps the same peer ID across restarts instead of
// generating a fresh one (and a fresh address) every time it starts.
type persistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
}

func saveIdentity(path string, priv crypto.PrivKey) error {
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return famerrors.Wrap(famerrors.RPCError, "reqresp: marshal identity key", err)
	}
	data, err := json.Marshal(persistentIdentity{PrivKey: raw})
	if err != nil {
		return famerrors.Wrap(famerrors.RPCError, "reqresp: encode identity", err)
	}
	return os.WriteFile(path, data, 0600)
}

func loadIdentity(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id persistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, famerrors.Wrap(famerrors.RPCError, "reqresp: decode identity", err)
	}
	return crypto.UnmarshalPrivateKey(id.PrivKey)
}

// loadOrCreateIdentity loads the keypair at path, generating and
// persisting a new Ed25519 one if the file is missing or unreadable. An
// empty path means "ephemeral identity": a fresh key that is never
// written, used by short-lived clients like famctl that have no reason
// to keep a stable peer ID.
func loadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if path == "" {
		priv, _, err := crypto.GenerateEd25519Key(nil)
		return priv, err
	}
	if priv, err := loadIdentity(path); err == nil {
		return priv, nil
	}
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	if err := saveIdentity(path, priv); err != nil {
		return nil, err
	}
	return priv, nil
}
