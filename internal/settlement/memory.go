package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrInsufficientBalance is returned by MemoryTokens.Burn.
var ErrInsufficientBalance = errors.New("settlement: insufficient token balance")

// ErrUnavailable is returned by the in-memory collaborators while failing.
var ErrUnavailable = errors.New("settlement: collaborator unavailable")

// MemoryTokens is an in-memory token ledger. Operations are idempotent by
// key: replaying a key is a no-op.
type MemoryTokens struct {
	mu       sync.Mutex
	balances map[string]uint64
	seen     map[string]bool
	failing  bool
}

// NewMemoryTokens creates an empty token ledger.
func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{
		balances: make(map[string]uint64),
		seen:     make(map[string]bool),
	}
}

// SetFailing makes every call fail with ErrUnavailable.
func (t *MemoryTokens) SetFailing(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing = v
}

// Balance returns holder's balance.
func (t *MemoryTokens) Balance(holder string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[holder]
}

// Credit adds tokens outside any position flow.
func (t *MemoryTokens) Credit(holder string, amount uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[holder] += amount
}

func (t *MemoryTokens) Mint(ctx context.Context, holder string, amount uint64, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failing {
		return ErrUnavailable
	}
	if t.seen[key] {
		return nil
	}
	t.seen[key] = true
	t.balances[holder] += amount
	return nil
}

func (t *MemoryTokens) Burn(ctx context.Context, holder string, amount uint64, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failing {
		return ErrUnavailable
	}
	if t.seen[key] {
		return nil
	}
	if t.balances[holder] < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientBalance, holder, t.balances[holder], amount)
	}
	t.seen[key] = true
	t.balances[holder] -= amount
	return nil
}

// Transfer is one recorded outward transfer.
type Transfer struct {
	Destination string
	Amount      uint64
	Key         string
	TxRef       string
}

// MemoryTransfers records outward transfers instead of broadcasting them.
type MemoryTransfers struct {
	mu        sync.Mutex
	transfers []Transfer
	byKey     map[string]string
	failing   bool
}

// NewMemoryTransfers creates an empty transfer recorder.
func NewMemoryTransfers() *MemoryTransfers {
	return &MemoryTransfers{byKey: make(map[string]string)}
}

// SetFailing makes every call fail with ErrUnavailable.
func (m *MemoryTransfers) SetFailing(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = v
}

// Transfers returns the recorded transfers in order.
func (m *MemoryTransfers) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.transfers...)
}

// Sent returns the total sent to destination.
func (m *MemoryTransfers) Sent(destination string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, t := range m.transfers {
		if t.Destination == destination {
			total += t.Amount
		}
	}
	return total
}

func (m *MemoryTransfers) TransferOut(ctx context.Context, destination string, amount uint64, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return "", ErrUnavailable
	}
	if ref, ok := m.byKey[key]; ok {
		return ref, nil
	}
	ref := uuid.New().String()
	m.byKey[key] = ref
	m.transfers = append(m.transfers, Transfer{Destination: destination, Amount: amount, Key: key, TxRef: ref})
	return ref, nil
}

// StaticVerifier answers deposit checks from a table. Unknown deposits are
// pending unless AutoConfirm is set, in which case they are confirmed for
// the amount they claim.
type StaticVerifier struct {
	// AutoConfirm backs development setups without a chain watcher.
	AutoConfirm bool

	mu       sync.Mutex
	deposits map[outpoint]staticDeposit
}

type outpoint struct {
	txid string
	vout uint32
}

type staticDeposit struct {
	amount uint64
	status DepositStatus
}

// NewStaticVerifier creates an empty verifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{deposits: make(map[outpoint]staticDeposit)}
}

// Set records the answer for the deposit at txid:vout.
func (v *StaticVerifier) Set(txid string, vout uint32, amount uint64, status DepositStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deposits[outpoint{txid, vout}] = staticDeposit{amount: amount, status: status}
}

func (v *StaticVerifier) VerifyDeposit(ctx context.Context, ref DepositRef) (uint64, DepositStatus, error) {
	if err := ctx.Err(); err != nil {
		return 0, DepositInvalid, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if d, ok := v.deposits[outpoint{ref.TxID, ref.Vout}]; ok {
		return d.amount, d.status, nil
	}
	if v.AutoConfirm {
		return ref.Amount, DepositConfirmed, nil
	}
	return 0, DepositPending, nil
}
