package smp

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/srg/blehost/bond"
	"github.com/srg/blehost/transport"
)

// keyPair is the local LESC P-256 key pair, generated once per manager.
type keyPair struct {
	priv *ecdh.PrivateKey
}

func newKeyPair() (*keyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate LESC key pair: %w", err)
	}
	return &keyPair{priv: priv}, nil
}

// PublicKey returns the local public key as an X9.62 uncompressed point.
func (kp *keyPair) PublicKey() []byte {
	return kp.priv.PublicKey().Bytes()
}

// SharedSecret computes the Diffie-Hellman shared secret from the peer's
// uncompressed public key.
func (kp *keyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	pub, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}
	secret, err := kp.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to compute DH key: %w", err)
	}
	return secret, nil
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	var b [6]int
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("invalid address %q", s)
	}
	for i, v := range b {
		mac[i] = byte(v)
	}
	return mac, nil
}

// ah is the random address hash function: AES-128 of the zero-padded
// 24-bit prand under the IRK, truncated to the low 24 bits.
func ah(irk []byte, prand [3]byte) ([3]byte, error) {
	var out [3]byte
	block, err := aes.NewCipher(irk)
	if err != nil {
		return out, err
	}
	var in, enc [16]byte
	in[13], in[14], in[15] = prand[0], prand[1], prand[2]
	block.Encrypt(enc[:], in[:])
	out[0], out[1], out[2] = enc[13], enc[14], enc[15]
	return out, nil
}

// ResolveRPA reports whether a resolvable private address was generated
// from the given identity resolving key. The printed address is MSB
// first: prand in the top three bytes, hash in the bottom three.
func ResolveRPA(irk []byte, addr transport.Addr) bool {
	if !addr.IsResolvable() || len(irk) != 16 {
		return false
	}
	mac, err := parseMAC(addr.MAC)
	if err != nil {
		return false
	}
	prand := [3]byte{mac[0], mac[1], mac[2]}
	if prand[0]&0xC0 != 0x40 {
		return false
	}
	hash, err := ah(irk, prand)
	if err != nil {
		return false
	}
	return hash == [3]byte{mac[3], mac[4], mac[5]}
}

// ResolveIdentity tries every stored bond's IRK against a resolvable
// private address and returns the matching record. A miss means the peer
// is treated as new.
func ResolveIdentity(store bond.Store, addr transport.Addr) (*bond.Record, bool) {
	if !addr.IsResolvable() {
		return nil, false
	}
	for _, rec := range store.Records() {
		if ResolveRPA(rec.PeerIRK, addr) {
			return rec, true
		}
	}
	return nil, false
}
