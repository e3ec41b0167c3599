package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// EthClient is the ethclient surface used for block lookups.
type EthClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Ensure ethclient.Client satisfies EthClient without pulling it into every
// caller's import set.
var _ EthClient = (*ethclient.Client)(nil)

// DepositContract is the narrow view of the on-chain deposit contract Bankster
// calls through: the deposit balance read, the two event queries, and the
// state-changing payment entry points.
type DepositContract interface {
	GetDepositValue(opts *bind.CallOpts, address common.Address) (*big.Int, error)
	BatchTransferredSingle(opts *bind.FilterOpts, payer, payee common.Address) ([]BatchTransferEvent, error)
	ForcedPaymentEvents(opts *bind.FilterOpts, requestor, provider common.Address) ([]ForcedPaymentEvent, error)
	ForceSubtaskPayment(opts *bind.TransactOpts, requestor, provider common.Address, amount *big.Int, subtaskID [16]byte) (*types.Transaction, error)
	CoverAdditionalVerificationCost(opts *bind.TransactOpts, provider common.Address, amount *big.Int, subtaskID [16]byte) (*types.Transaction, error)
	ForcePayment(opts *bind.TransactOpts, requestor, provider common.Address, amount *big.Int, closureTime *big.Int) (*types.Transaction, error)
}

// Config bounds the Ethereum-backed oracle client: the average block time used
// to translate a timestamp window into a block range and the size of the
// block-number cache. The transactor identity is passed to NewEthereumClient
// separately as a bind.TransactOpts.
type Config struct {
	AverageBlockTime time.Duration
	BlockCacheSize   int
}

// EthereumClient is the production oracle.Client, backed by a go-ethereum
// RPC connection and a bound deposit contract.
type EthereumClient struct {
	eth      EthClient
	contract DepositContract
	auth     *bind.TransactOpts
	cfg      Config
	log      *zap.SugaredLogger

	blockCache *lru.Cache[int64, uint64]

	mu        sync.Mutex
	callbacks map[common.Hash][]ConfirmationCallback
}

// NewEthereumClient wires an EthClient and DepositContract binding into an
// oracle.Client.
func NewEthereumClient(eth EthClient, contract DepositContract, auth *bind.TransactOpts, cfg Config, log *zap.SugaredLogger) (*EthereumClient, error) {
	if cfg.BlockCacheSize <= 0 {
		cfg.BlockCacheSize = 1024
	}
	cache, err := lru.New[int64, uint64](cfg.BlockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("oracle: build block cache: %w", err)
	}
	return &EthereumClient{
		eth:        eth,
		contract:   contract,
		auth:       auth,
		cfg:        cfg,
		log:        log,
		blockCache: cache,
		callbacks:  make(map[common.Hash][]ConfirmationCallback),
	}, nil
}

func (c *EthereumClient) GetDepositValue(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.contract.GetDepositValue(&bind.CallOpts{Context: ctx}, address)
}

func (c *EthereumClient) GetBatchTransfers(ctx context.Context, payer, payee common.Address, fromBlock, toBlock uint64) ([]BatchTransferEvent, error) {
	return c.contract.BatchTransferredSingle(&bind.FilterOpts{Start: fromBlock, End: &toBlock, Context: ctx}, payer, payee)
}

func (c *EthereumClient) GetForcedPayments(ctx context.Context, requestor, provider common.Address, fromBlock, toBlock uint64) ([]ForcedPaymentEvent, error) {
	return c.contract.ForcedPaymentEvents(&bind.FilterOpts{Start: fromBlock, End: &toBlock, Context: ctx}, requestor, provider)
}

func (c *EthereumClient) ForceSubtaskPayment(ctx context.Context, requestor, provider common.Address, amount *big.Int, subtaskID [16]byte) (common.Hash, error) {
	tx, err := c.contract.ForceSubtaskPayment(c.transactOpts(ctx), requestor, provider, amount, subtaskID)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (c *EthereumClient) CoverAdditionalVerificationCost(ctx context.Context, provider common.Address, amount *big.Int, subtaskID [16]byte) (common.Hash, error) {
	tx, err := c.contract.CoverAdditionalVerificationCost(c.transactOpts(ctx), provider, amount, subtaskID)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (c *EthereumClient) ForcePayment(ctx context.Context, requestor, provider common.Address, amount *big.Int, closureTime time.Time) (common.Hash, error) {
	tx, err := c.contract.ForcePayment(c.transactOpts(ctx), requestor, provider, amount, big.NewInt(closureTime.Unix()))
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// CallOnConfirmedTransaction polls for txHash's receipt in the background
// and invokes callback once it confirms. The callback never retains a claim
// reference: this client hands it only the hash, per the cyclic-callback
// design note.
func (c *EthereumClient) CallOnConfirmedTransaction(ctx context.Context, txHash common.Hash, callback ConfirmationCallback) error {
	c.mu.Lock()
	c.callbacks[txHash] = append(c.callbacks[txHash], callback)
	c.mu.Unlock()

	go c.pollForConfirmation(ctx, txHash)
	return nil
}

func (c *EthereumClient) pollForConfirmation(ctx context.Context, txHash common.Hash) {
	ticker := time.NewTicker(c.cfg.AverageBlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			receipt, err := c.eth.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				c.log.Warnw("transaction reverted, will not fire confirmation callbacks", "tx_hash", txHash)
				return
			}
			c.fireCallbacks(txHash)
			return
		}
	}
}

func (c *EthereumClient) fireCallbacks(txHash common.Hash) {
	c.mu.Lock()
	callbacks := c.callbacks[txHash]
	delete(c.callbacks, txHash)
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(txHash)
	}
}

// BlockTimeWindow converts [from, to] into a block range by anchoring on the
// chain head and walking back by AverageBlockTime, caching block-number
// lookups for already-seen unix timestamps.
func (c *EthereumClient) BlockTimeWindow(ctx context.Context, from, to time.Time) (uint64, uint64, error) {
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("oracle: fetch chain head: %w", err)
	}

	fromBlock := c.estimateBlock(head, from)
	toBlock := c.estimateBlock(head, to)
	return fromBlock, toBlock, nil
}

func (c *EthereumClient) estimateBlock(head *types.Header, at time.Time) uint64 {
	key := at.Unix()
	if cached, ok := c.blockCache.Get(key); ok {
		return cached
	}

	headTime := time.Unix(int64(head.Time), 0)
	delta := headTime.Sub(at)
	blocksBack := int64(delta / c.cfg.AverageBlockTime)
	estimate := head.Number.Int64() - blocksBack
	if estimate < 0 {
		estimate = 0
	}

	c.blockCache.Add(key, uint64(estimate))
	return uint64(estimate)
}

func (c *EthereumClient) transactOpts(ctx context.Context) *bind.TransactOpts {
	opts := *c.auth
	opts.Context = ctx
	return &opts
}

var _ Client = (*EthereumClient)(nil)
