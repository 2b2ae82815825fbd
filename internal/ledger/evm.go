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

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// registryABI matches the deployed certification registry contract.
const registryABI = `[
	{"type":"function","name":"register","inputs":[{"name":"hash","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"revoke","inputs":[{"name":"hash","type":"bytes32"},{"name":"reason","type":"string"}],"outputs":[]},
	{"type":"function","name":"supersede","inputs":[{"name":"oldHash","type":"bytes32"},{"name":"newHash","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"addIssuer","inputs":[{"name":"identity","type":"address"}],"outputs":[]},
	{"type":"function","name":"removeIssuer","inputs":[{"name":"identity","type":"address"}],"outputs":[]},
	{"type":"function","name":"addRevoker","inputs":[{"name":"identity","type":"address"}],"outputs":[]},
	{"type":"function","name":"removeRevoker","inputs":[{"name":"identity","type":"address"}],"outputs":[]},
	{"type":"function","name":"transferOwnership","inputs":[{"name":"identity","type":"address"}],"outputs":[]},
	{"type":"function","name":"getRecord","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"}],"outputs":[{"name":"issuer","type":"address"},{"name":"registeredAt","type":"uint64"},{"name":"status","type":"uint8"},{"name":"supersededBy","type":"bytes32"}]},
	{"type":"function","name":"isValid","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// EVM anchors fingerprints on an Ethereum-compatible chain. Atomicity of
// state transitions comes from the chain's own transaction ordering; the
// adapter only submits and waits.
type EVM struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	address  common.Address
}

// NewEVM connects to rpcURL and binds the registry contract at
// registryAddress, transacting with the given secp256k1 key.
func NewEVM(ctx context.Context, rpcURL string, registryAddress common.Address, key *ecdsa.PrivateKey, chainID uint64) (*EVM, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry abi: %w", err)
	}
	return &EVM{
		client:   client,
		contract: bind.NewBoundContract(registryAddress, parsed, client, client, client),
		key:      key,
		chainID:  new(big.Int).SetUint64(chainID),
		address:  registryAddress,
	}, nil
}

// Close releases the underlying RPC connection.
func (e *EVM) Close() {
	e.client.Close()
}

func (e *EVM) transact(ctx context.Context, method string, args ...any) (TxRef, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return TxRef{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	opts.Context = ctx

	tx, err := e.contract.Transact(opts, method, args...)
	if err != nil {
		return TxRef{}, classifyEVMError(method, err)
	}

	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return TxRef{}, fmt.Errorf("%w: waiting for %s receipt: %v", ErrUnavailable, method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TxRef{}, fmt.Errorf("%w: %s reverted", ErrInvalidStateTransition, method)
	}
	return TxRef{TxHash: tx.Hash(), Block: receipt.BlockNumber.Uint64()}, nil
}

// classifyEVMError maps contract reverts onto the ledger error taxonomy and
// everything else onto ErrUnavailable. Revert reason strings come from the
// contract's require messages.
func classifyEVMError(method string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already registered"):
		return fmt.Errorf("%w: %v", ErrDuplicateRegistration, err)
	case strings.Contains(msg, "not valid"), strings.Contains(msg, "invalid transition"):
		return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
	case strings.Contains(msg, "not authorized"), strings.Contains(msg, "caller is not"):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s timed out", ErrUnavailable, method)
	default:
		return fmt.Errorf("%w: %s failed: %v", ErrUnavailable, method, err)
	}
}

func (e *EVM) Register(ctx context.Context, hash common.Hash) (TxRef, error) {
	return e.transact(ctx, "register", hash)
}

func (e *EVM) Revoke(ctx context.Context, hash common.Hash, reason string) (TxRef, error) {
	return e.transact(ctx, "revoke", hash, reason)
}

func (e *EVM) Supersede(ctx context.Context, oldHash, newHash common.Hash) (TxRef, error) {
	return e.transact(ctx, "supersede", oldHash, newHash)
}

func (e *EVM) AddIssuer(ctx context.Context, identity common.Address) error {
	_, err := e.transact(ctx, "addIssuer", identity)
	return err
}

func (e *EVM) RemoveIssuer(ctx context.Context, identity common.Address) error {
	_, err := e.transact(ctx, "removeIssuer", identity)
	return err
}

func (e *EVM) AddRevoker(ctx context.Context, identity common.Address) error {
	_, err := e.transact(ctx, "addRevoker", identity)
	return err
}

func (e *EVM) RemoveRevoker(ctx context.Context, identity common.Address) error {
	_, err := e.transact(ctx, "removeRevoker", identity)
	return err
}

func (e *EVM) TransferOwnership(ctx context.Context, identity common.Address) error {
	_, err := e.transact(ctx, "transferOwnership", identity)
	return err
}

func (e *EVM) GetRecord(ctx context.Context, hash common.Hash) (Record, error) {
	var out []any
	err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getRecord", hash)
	if err != nil {
		return Record{}, fmt.Errorf("%w: getRecord failed: %v", ErrUnavailable, err)
	}
	if len(out) != 4 {
		return Record{}, fmt.Errorf("%w: getRecord returned %d values", ErrUnavailable, len(out))
	}

	rec := Record{
		Issuer:       out[0].(common.Address),
		Status:       Status(out[2].(uint8)),
		SupersededBy: common.Hash(out[3].([32]byte)),
	}
	if ts := out[1].(uint64); ts > 0 {
		rec.RegisteredAt = time.Unix(int64(ts), 0).UTC()
	}
	return rec, nil
}

func (e *EVM) IsValid(ctx context.Context, hash common.Hash) (bool, error) {
	var out []any
	err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isValid", hash)
	if err != nil {
		return false, fmt.Errorf("%w: isValid failed: %v", ErrUnavailable, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%w: isValid returned %d values", ErrUnavailable, len(out))
	}
	valid, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: unexpected isValid return type", ErrUnavailable)
	}
	return valid, nil
}

// WatchRegistrations streams registration logs so an off-chain indexer can
// reconstruct history. Best-effort: subscription errors are logged and the
// stream ends.
func (e *EVM) WatchRegistrations(ctx context.Context, sink chan<- Event) error {
	query := ethereum.FilterQuery{Addresses: []common.Address{e.address}}
	logs := make(chan types.Log, 16)
	sub, err := e.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("%w: log subscription failed: %v", ErrUnavailable, err)
	}
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				slog.Error("registry log subscription lost", "err", err)
				return
			case l := <-logs:
				if len(l.Topics) < 2 {
					continue
				}
				sink <- Event{
					Type: EventRegistered,
					Hash: l.Topics[1],
					At:   time.Now(),
				}
			}
		}
	}()
	return nil
}

// DeriveIdentity returns the Ethereum address for a secp256k1 private key.
func DeriveIdentity(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
