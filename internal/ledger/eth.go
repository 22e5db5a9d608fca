package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// registryABI lists the view functions the server calls.
const registryABI = `[
	{"type":"function","name":"verifyAccessToken","stateMutability":"view",
	 "inputs":[{"name":"_patient","type":"address"},{"name":"_accessToken","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

// backend is the subset of *ethclient.Client used here.
type backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthConfig configures an EthClient.
type EthConfig struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	ExplorerURL     string
}

// EthClient reads transaction receipts and registry state over JSON-RPC.
type EthClient struct {
	backend  backend
	contract common.Address
	abi      abi.ABI
	cfg      EthConfig
	close    func()
}

// DialEth connects to the configured RPC endpoint.
func DialEth(ctx context.Context, cfg EthConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, ErrNotConfigured
	}
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc: %w", err)
	}
	c, err := newEthClient(rpc, cfg)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.close = rpc.Close
	return c, nil
}

func newEthClient(b backend, cfg EthConfig) (*EthClient, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry abi: %w", err)
	}
	c := &EthClient{backend: b, abi: parsed, cfg: cfg}
	if cfg.ContractAddress != "" {
		if !common.IsHexAddress(cfg.ContractAddress) {
			return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
		}
		c.contract = common.HexToAddress(cfg.ContractAddress)
	}
	return c, nil
}

// Close releases the RPC connection.
func (c *EthClient) Close() {
	if c.close != nil {
		c.close()
	}
}

// Configured reports whether a registry contract is set.
func (c *EthClient) Configured() bool {
	return c.contract != (common.Address{})
}

// ReadsTransactions reports whether an RPC backend is attached. Receipts do
// not depend on the registry contract.
func (c *EthClient) ReadsTransactions() bool {
	return c.backend != nil
}

// TransactionStatus looks up the receipt, falling back to the mempool for
// transactions that have not been mined yet.
func (c *EthClient) TransactionStatus(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	out := &Receipt{TxHash: strings.ToLower(txHash)}

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		out.BlockNumber = receipt.BlockNumber.Uint64()
		if receipt.Status == types.ReceiptStatusSuccessful {
			out.Status = TxConfirmed
		} else {
			out.Status = TxFailed
		}
		return out, nil
	case !errors.Is(err, ethereum.NotFound):
		return nil, fmt.Errorf("%w: receipt lookup: %v", ErrUnavailable, err)
	}

	_, pending, err := c.backend.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		out.Status = TxNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: transaction lookup: %v", ErrUnavailable, err)
	case pending:
		out.Status = TxPending
	default:
		// Mined but the receipt is not indexed yet.
		out.Status = TxPending
	}
	return out, nil
}

// VerifyAccessToken calls the registry's verifyAccessToken view.
func (c *EthClient) VerifyAccessToken(ctx context.Context, patientWallet string, tokenHash [32]byte) (bool, error) {
	if !c.Configured() {
		return false, ErrNotConfigured
	}
	if !common.IsHexAddress(patientWallet) {
		return false, fmt.Errorf("invalid patient wallet %q", patientWallet)
	}

	data, err := c.abi.Pack("verifyAccessToken", common.HexToAddress(patientWallet), tokenHash)
	if err != nil {
		return false, fmt.Errorf("failed to pack verifyAccessToken: %w", err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("%w: verifyAccessToken: %v", ErrUnavailable, err)
	}
	values, err := c.abi.Unpack("verifyAccessToken", raw)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("%w: unexpected verifyAccessToken result", ErrUnavailable)
	}
	ok, isBool := values[0].(bool)
	if !isBool {
		return false, fmt.Errorf("%w: unexpected verifyAccessToken result type", ErrUnavailable)
	}
	return ok, nil
}

// Info returns network details and the latest block.
func (c *EthClient) Info(ctx context.Context) (Info, error) {
	info := Info{
		Configured:  c.Configured(),
		ChainID:     c.cfg.ChainID,
		ExplorerURL: c.cfg.ExplorerURL,
	}
	if info.Configured {
		info.ContractAddress = strings.ToLower(c.contract.Hex())
	}
	block, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return info, fmt.Errorf("%w: block number: %v", ErrUnavailable, err)
	}
	info.BlockNumber = block
	return info, nil
}
