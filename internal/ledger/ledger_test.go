package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
)

func TestMemoryLedgerTransfer(t *testing.T) {
	l := NewMemoryLedger()
	l.Mint("0xaaa", protocol.WholeTokens(10))

	if err := l.Transfer(context.Background(), "0xaaa", "0xbbb", protocol.WholeTokens(3)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	from, _ := l.BalanceOf(context.Background(), "0xaaa")
	to, _ := l.BalanceOf(context.Background(), "0xbbb")
	if from.Cmp(protocol.WholeTokens(7)) != 0 {
		t.Fatalf("sender balance = %s, want 7 tokens", from)
	}
	if to.Cmp(protocol.WholeTokens(3)) != 0 {
		t.Fatalf("recipient balance = %s, want 3 tokens", to)
	}
}

func TestMemoryLedgerInsufficientBalance(t *testing.T) {
	l := NewMemoryLedger()
	l.Mint("0xaaa", protocol.WholeTokens(1))

	err := l.Transfer(context.Background(), "0xaaa", "0xbbb", protocol.WholeTokens(2))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// A rejected transfer must not move anything.
	from, _ := l.BalanceOf(context.Background(), "0xaaa")
	to, _ := l.BalanceOf(context.Background(), "0xbbb")
	if from.Cmp(protocol.WholeTokens(1)) != 0 {
		t.Fatalf("sender balance = %s after rejected transfer", from)
	}
	if !to.IsZero() {
		t.Fatalf("recipient balance = %s after rejected transfer", to)
	}
}

func TestMemoryLedgerUnknownAddressIsZero(t *testing.T) {
	l := NewMemoryLedger()
	balance, err := l.BalanceOf(context.Background(), "0xnobody")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("balance = %s, want zero", balance)
	}
}

func TestMemoryLedgerConcurrentTransfers(t *testing.T) {
	l := NewMemoryLedger()
	l.Mint("0xpool", protocol.WholeTokens(100))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Transfer(context.Background(), "0xpool", "0xsink", protocol.WholeTokens(1)); err != nil {
				t.Errorf("Transfer: %v", err)
			}
		}()
	}
	wg.Wait()

	pool, _ := l.BalanceOf(context.Background(), "0xpool")
	sink, _ := l.BalanceOf(context.Background(), "0xsink")
	if !pool.IsZero() {
		t.Fatalf("pool balance = %s, want zero", pool)
	}
	if sink.Cmp(protocol.WholeTokens(100)) != 0 {
		t.Fatalf("sink balance = %s, want 100 tokens", sink)
	}
}
