package ledger

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrAccountNotFound means the ledger answered and the account does not exist.
	ErrAccountNotFound = errors.New("account not found on ledger")
	// ErrTransactionNotFound means the ledger has no (confirmed) transaction for the signature yet.
	ErrTransactionNotFound = errors.New("transaction not found on ledger")
)

// SignatureInfo is one entry of a signature listing, newest first as returned by the ledger.
type SignatureInfo struct {
	Signature          string          `json:"signature"`
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err"`
	BlockTime          *int64          `json:"blockTime"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the ledger recorded an execution error for the transaction.
func (s SignatureInfo) Failed() bool {
	return isErrSet(s.Err)
}

// Transaction is the part of a fetched transaction the mirror consumes.
type Transaction struct {
	Signature   string
	Slot        uint64
	BlockTime   *int64
	Err         json.RawMessage
	LogMessages []string
}

// Failed reports whether the transaction's execution failed.
func (t *Transaction) Failed() bool {
	return isErrSet(t.Err)
}

func isErrSet(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// Gateway is the read-only view of the ledger RPC the core depends on.
type Gateway interface {
	GetAccount(ctx context.Context, pubkey string) ([]byte, error)
	GetLatestBlockhash(ctx context.Context) (string, error)
	GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
}

// TokenBalance reads the amount held by a token account.
func TokenBalance(ctx context.Context, gw Gateway, tokenAccount string) (uint64, error) {
	data, err := gw.GetAccount(ctx, tokenAccount)
	if err != nil {
		return 0, err
	}
	return ParseTokenAmount(data)
}

// FetchVault reads and decodes a vault account.
func FetchVault(ctx context.Context, gw Gateway, vaultKey string) (*VaultAccount, error) {
	data, err := gw.GetAccount(ctx, vaultKey)
	if err != nil {
		return nil, err
	}
	return ParseVaultAccount(data)
}
