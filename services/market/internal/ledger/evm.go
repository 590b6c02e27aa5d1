package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transfer outcomes. Rejected and confirmed are definite; indeterminate
// means the transaction may have reached the chain and must be resolved
// by receipt lookup. Unavailable means nothing was sent at all.
const (
	OutcomeConfirmed     = "confirmed"
	OutcomeRejected      = "rejected"
	OutcomeIndeterminate = "indeterminate"
	OutcomeUnavailable   = "unavailable"
)

const (
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
	TxStatusPending   = "pending"
)

// tokenDecimals converts between the market's decimal token amounts and
// the chain's smallest unit.
const tokenDecimals = 18

const transferGasLimit = 21000

var ErrUnknownWallet = errors.New("no signing key for wallet")

type TransferResult struct {
	TxHash  string
	Outcome string
}

// EVMLedger settles trades as value transfers on an EVM dev chain. Signing
// keys for managed wallets are held in memory, which is acceptable for the
// dev-chain deployments this targets.
type EVMLedger struct {
	client  *ethclient.Client
	chainID *big.Int
	keys    map[string]*ecdsa.PrivateKey
	logger  *slog.Logger

	receiptPollInterval time.Duration
}

func NewEVMLedger(ctx context.Context, rpcURL string, privateKeysHex []string, logger *slog.Logger) (*EVMLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	chainID, err := client.NetworkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	keys := make(map[string]*ecdsa.PrivateKey, len(privateKeysHex))
	for _, hexKey := range privateKeysHex {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		keys[strings.ToLower(addr.Hex())] = key
	}

	return &EVMLedger{
		client:              client,
		chainID:             chainID,
		keys:                keys,
		logger:              logger,
		receiptPollInterval: 500 * time.Millisecond,
	}, nil
}

func (l *EVMLedger) Close() {
	l.client.Close()
}

func (l *EVMLedger) BalanceOf(ctx context.Context, walletAddress string) (decimal.Decimal, error) {
	addr := common.HexToAddress(walletAddress)
	bal, err := l.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query balance: %w", err)
	}
	return decimal.NewFromBigInt(bal, -tokenDecimals), nil
}

// Transfer moves amount from one managed wallet to another. The reference
// id ties the transaction back to the fill attempt it settles; it travels
// in the tx payload so chain history stays auditable.
func (l *EVMLedger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, ref uuid.UUID) (TransferResult, error) {
	key, ok := l.keys[strings.ToLower(strings.TrimSpace(from))]
	if !ok {
		return TransferResult{Outcome: OutcomeUnavailable}, fmt.Errorf("%w: %s", ErrUnknownWallet, from)
	}

	fromAddr := common.HexToAddress(from)
	toAddr := common.HexToAddress(to)

	nonce, err := l.client.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return TransferResult{Outcome: OutcomeUnavailable}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return TransferResult{Outcome: OutcomeUnavailable}, fmt.Errorf("fetch gas price: %w", err)
	}

	value := amount.Shift(tokenDecimals).BigInt()
	tx := types.NewTransaction(nonce, toAddr, value, transferGasLimit+uint64(len(ref))*68, gasPrice, ref[:])
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), key)
	if err != nil {
		return TransferResult{Outcome: OutcomeUnavailable}, fmt.Errorf("sign transaction: %w", err)
	}
	txHash := signedTx.Hash().Hex()

	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		outcome := classifySendError(err)
		return TransferResult{TxHash: txHash, Outcome: outcome}, fmt.Errorf("send transaction: %w", err)
	}

	return l.awaitReceipt(ctx, txHash)
}

// TransactionStatus reports the chain's view of a previously submitted
// transaction. A missing receipt reads as pending.
func (l *EVMLedger) TransactionStatus(ctx context.Context, txHash string) (string, error) {
	receipt, err := l.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", err
		}
		return TxStatusPending, nil
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxStatusConfirmed, nil
	}
	return TxStatusFailed, nil
}

func (l *EVMLedger) awaitReceipt(ctx context.Context, txHash string) (TransferResult, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(l.receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return TransferResult{TxHash: txHash, Outcome: OutcomeConfirmed}, nil
			}
			return TransferResult{TxHash: txHash, Outcome: OutcomeRejected}, fmt.Errorf("transaction reverted: %s", txHash)
		}
		if ctx.Err() != nil {
			return TransferResult{TxHash: txHash, Outcome: OutcomeIndeterminate}, fmt.Errorf("await receipt: %w", ctx.Err())
		}

		select {
		case <-ctx.Done():
			return TransferResult{TxHash: txHash, Outcome: OutcomeIndeterminate}, fmt.Errorf("await receipt: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func classifySendError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// The node may have accepted the transaction before the deadline hit.
		return OutcomeIndeterminate
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return OutcomeRejected
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "already known"), strings.Contains(msg, "replacement transaction"):
		// The transaction, or an earlier copy of it, is already with the node.
		return OutcomeIndeterminate
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return OutcomeUnavailable
	default:
		return OutcomeRejected
	}
}
