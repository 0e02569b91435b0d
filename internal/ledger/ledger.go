// Package ledger is the registry's boundary to the token chain. The registry
// only needs two things from it: a serialized transfer primitive and a
// timestamp source. Anything that satisfies those contracts can back the
// registry, whether a chain client, a database, or the in-memory harness
// below.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
)

var ErrInsufficientBalance = errors.New("insufficient token balance")

// TokenLedger moves tokens between addresses. Transfers to the signal sink
// are burns; the only transfer out of the sink is the compensating refund
// the registry issues when a pulse fails to persist after its burn.
type TokenLedger interface {
	Transfer(ctx context.Context, from, to string, amount protocol.Amount) error
	BalanceOf(ctx context.Context, address string) (protocol.Amount, error)
}

// Clock supplies the registry's notion of now. Implementations must be
// monotonic with respect to accepted state transitions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func SystemClock() Clock { return systemClock{} }

// MemoryLedger is a mutex-serialized in-memory token ledger for embedded and
// test deployments.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]protocol.Amount
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]protocol.Amount)}
}

// Mint credits an address. Test and faucet use only.
func (l *MemoryLedger) Mint(address string, amount protocol.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] = l.balances[address].Add(amount)
}

func (l *MemoryLedger) Transfer(ctx context.Context, from, to string, amount protocol.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[from]
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	l.balances[from] = balance.Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *MemoryLedger) BalanceOf(ctx context.Context, address string) (protocol.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address], nil
}
