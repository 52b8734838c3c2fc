// Package signer turns an approved draft and a leased sequence value into a
// signed raw transaction.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/ligun0805/strike-cluster/internal/evaluate"
)

var ErrNoChainID = errors.New("draft has no chain id")

// Signed is a ready-to-broadcast payload.
type Signed struct {
	Raw   []byte
	Hash  common.Hash
	Nonce uint64
}

func (s Signed) Hex() string { return hexutil.Encode(s.Raw) }

type Signer interface {
	Address() common.Address
	Sign(draft evaluate.Draft, nonce uint64) (Signed, error)
}

// KeySigner signs with a local secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// FromHex parses a private key with or without the 0x prefix.
func FromHex(s string) (*KeySigner, error) {
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &KeySigner{key: key, addr: gethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (k *KeySigner) Address() common.Address { return k.addr }

// Sign builds an EIP-1559 transaction carrying nonce and signs it with the
// latest signer for the draft's chain.
func (k *KeySigner) Sign(draft evaluate.Draft, nonce uint64) (Signed, error) {
	if draft.ChainID == nil || draft.ChainID.Sign() == 0 {
		return Signed{}, ErrNoChainID
	}
	to := draft.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   draft.ChainID,
		Nonce:     nonce,
		Gas:       draft.Gas,
		GasTipCap: copyOrZero(draft.TipCap),
		GasFeeCap: copyOrZero(draft.FeeCap),
		To:        &to,
		Value:     copyOrZero(draft.Value),
		Data:      draft.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(draft.ChainID), k.key)
	if err != nil {
		return Signed{}, fmt.Errorf("sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return Signed{}, fmt.Errorf("encode: %w", err)
	}
	return Signed{Raw: raw, Hash: signed.Hash(), Nonce: nonce}, nil
}

func copyOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
