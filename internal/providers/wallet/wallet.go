// Package wallet implements the wallet-signer provider contract: an
// at-rest-encrypted secp256k1 keypair that signs EIP-712-style typed data.
// Key material is stored AES-256-GCM-encrypted under a master key supplied
// via the environment and is decrypted only into process memory.
package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/duskward/automaton/common/crypto"
	"github.com/duskward/automaton/internal/automaton/providers"
)

// KeyFile is the persisted shape of wallet.json (mode 0600; never appears
// in prompts).
type KeyFile struct {
	PrivateKey string `json:"privateKey"` // hex-encoded AES-256-GCM ciphertext
	CreatedAt  string `json:"createdAt"`
}

// Provider implements providers.Wallet over one secp256k1 keypair held
// decrypted only in process memory.
type Provider struct {
	priv    *secp256k1.PrivateKey
	address string
}

// New decrypts the given ciphertext (the ciphertext field of wallet.json)
// with masterKey and derives the keypair and address.
func New(masterKey, ciphertext []byte) (*Provider, error) {
	plaintext, err := crypto.Decrypt(masterKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("wallet: decrypt key material: %w", err)
	}
	defer zero(plaintext)

	raw, err := hex.DecodeString(strings.TrimSpace(string(plaintext)))
	if err != nil {
		return nil, fmt.Errorf("wallet: decode private key: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &Provider{priv: priv, address: deriveAddress(priv.PubKey())}, nil
}

// Generate creates a fresh keypair and returns it alongside the ciphertext
// to persist as wallet.json's privateKey field.
func Generate(masterKey []byte) (*Provider, []byte, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	hexKey := hex.EncodeToString(priv.Serialize())
	ciphertext, err := crypto.Encrypt(masterKey, []byte(hexKey))
	if err != nil {
		return nil, nil, fmt.Errorf("wallet: encrypt key material: %w", err)
	}
	return &Provider{priv: priv, address: deriveAddress(priv.PubKey())}, ciphertext, nil
}

// Address returns the wallet's public address; it never exposes the key.
func (p *Provider) Address(_ context.Context) (string, error) {
	return p.address, nil
}

// SignTypedData hashes domain+types+message the EIP-712 way (Keccak256 over
// a deterministic encoding of the sorted type tree) and returns a 65-byte
// recoverable ECDSA signature, hex-encoded.
func (p *Provider) SignTypedData(_ context.Context, domain providers.TypedDataDomain, types providers.TypedDataTypes, message map[string]interface{}) (string, error) {
	digest := hashTypedData(domain, types, message)
	sig := ecdsa.SignCompact(p.priv, digest, false)
	// ecdsa.SignCompact returns [recoveryID | R | S]; Ethereum-style callers
	// expect [R | S | recoveryID], so rotate it here.
	out := make([]byte, len(sig))
	copy(out, sig[1:])
	out[len(out)-1] = sig[0]
	return "0x" + hex.EncodeToString(out), nil
}

// deriveAddress returns a 20-byte Keccak256-of-pubkey address, hex-encoded
// with a 0x prefix, matching the EIP-55-adjacent (but unchecksummed) shape
// signTypedData's callers expect.
func deriveAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()[1:] // drop the 0x04 prefix
	h := keccak256(uncompressed)
	return "0x" + hex.EncodeToString(h[len(h)-20:])
}

func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// hashTypedData builds a deterministic digest over the domain, type tree,
// and message. This is a simplified EIP-712 encoder: field order within
// each type is taken as declared rather than re-derived from a struct
// encoding. Only the signature's determinism (same inputs, same digest) is
// load-bearing here; the settlement protocol interprets the payload.
func hashTypedData(domain providers.TypedDataDomain, types providers.TypedDataTypes, message map[string]interface{}) []byte {
	var b strings.Builder
	writeDomain(&b, domain)
	writeTypes(&b, types)
	writeMessage(&b, message)
	return keccak256([]byte(b.String()))
}

func writeDomain(b *strings.Builder, domain providers.TypedDataDomain) {
	keys := sortedKeys(domain)
	for _, k := range keys {
		fmt.Fprintf(b, "domain.%s=%v;", k, domain[k])
	}
}

func writeTypes(b *strings.Builder, types providers.TypedDataTypes) {
	typeNames := make([]string, 0, len(types))
	for name := range types {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)
	for _, name := range typeNames {
		fmt.Fprintf(b, "type %s{", name)
		for _, f := range types[name] {
			fmt.Fprintf(b, "%s %s;", f.Type, f.Name)
		}
		b.WriteString("}")
	}
}

func writeMessage(b *strings.Builder, message map[string]interface{}) {
	keys := sortedKeys(message)
	for _, k := range keys {
		fmt.Fprintf(b, "msg.%s=%v;", k, message[k])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
