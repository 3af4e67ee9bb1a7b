package chain

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory wallet double for tests and the dry-run mode.
// Transactions get sequential ids; outputs become confirmable via SetOutput.
type FakeClient struct {
	mu      sync.Mutex
	info    WalletInfo
	sendErr error
	sent    [][]Output
	outputs map[string]OutputInfo
	nextTx  int
}

// NewFakeClient creates a fake wallet on the test chain with the given output
// ceiling.
func NewFakeClient(maxOutputs int) *FakeClient {
	return &FakeClient{
		info: WalletInfo{
			Address:     "addr-self",
			Balance:     100_000_000,
			NetworkMode: NetworkModeTest,
			MaxOutputs:  maxOutputs,
		},
		outputs: make(map[string]OutputInfo),
	}
}

func (f *FakeClient) SendTransaction(_ context.Context, outputs []Output, fee int64) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("chain: no outputs")
	}
	f.nextTx++
	txid := fmt.Sprintf("tx-%d", f.nextTx)
	f.sent = append(f.sent, outputs)
	return &SendResult{TransactionID: txid, Fee: fee}, nil
}

func (f *FakeClient) ListTransactionOutput(_ context.Context, txID string, position int) (*OutputInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outputs[outputKey(txID, position)]
	if !ok {
		return nil, fmt.Errorf("chain: unknown output %s:%d", txID, position)
	}
	return &out, nil
}

func (f *FakeClient) GetWalletInformation(context.Context) (*WalletInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.info
	return &info, nil
}

// SetOutput makes one output visible to confirmation queries.
func (f *FakeClient) SetOutput(txID string, position int, out OutputInfo) {
	f.mu.Lock()
	f.outputs[outputKey(txID, position)] = out
	f.mu.Unlock()
}

// FailSends makes every subsequent SendTransaction return err; nil restores
// normal behavior.
func (f *FakeClient) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// SentTransactions returns a copy of all submitted output batches.
func (f *FakeClient) SentTransactions() [][]Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent := make([][]Output, len(f.sent))
	copy(sent, f.sent)
	return sent
}

func outputKey(txID string, position int) string {
	return fmt.Sprintf("%s:%d", txID, position)
}
