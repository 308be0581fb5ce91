package rpc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoKey = errors.New("no private key")

// Backend is the part of ethclient.Client needed to sign and submit.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Wallet signs and submits transactions for a single key. Sends are
// serialised so nonces are taken in order.
type Wallet struct {
	backend Backend
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer

	mu sync.Mutex
}

func NewWallet(ctx context.Context, backend Backend, hexKey string) (*Wallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrNoKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return &Wallet{
		backend: backend,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

func (w *Wallet) Address() common.Address { return w.address }

func (w *Wallet) ChainID() *big.Int { return new(big.Int).Set(w.chainID) }

// SendNative transfers value wei to to.
func (w *Wallet) SendNative(ctx context.Context, to common.Address, value *big.Int) (common.Hash, error) {
	return w.send(ctx, to, value, nil)
}

// WriteContract submits a call with calldata data to contract to.
func (w *Wallet) WriteContract(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	return w.send(ctx, to, nil, data)
}

func (w *Wallet) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if value == nil {
		value = new(big.Int)
	}
	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &to, Value: value, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}

	var txdata types.TxData
	if head.BaseFee == nil {
		gasPrice, err := w.backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("gas price: %w", err)
		}
		txdata = &types.LegacyTx{Nonce: nonce, GasPrice: gasPrice, Gas: gas, To: &to, Value: value, Data: data}
	} else {
		tip, err := w.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		txdata = &types.DynamicFeeTx{
			ChainID:   w.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		}
	}

	tx, err := types.SignNewTx(w.key, w.signer, txdata)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send: %w", err)
	}
	return tx.Hash(), nil
}
