package memory

import (
	"context"
	"sync"

	"github.com/jnst/outbound-engine/internal/repository"
)

type txKey struct{}

// journal collects undo steps for the writes made inside one transaction.
type journal struct {
	mu   sync.Mutex
	undo []func()
}

func (j *journal) add(fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.undo = append(j.undo, fn)
}

func (j *journal) rollback() {
	j.mu.Lock()
	steps := j.undo
	j.undo = nil
	j.mu.Unlock()

	for i := len(steps) - 1; i >= 0; i-- {
		steps[i]()
	}
}

// onRollback registers fn to run if the surrounding transaction fails.
// Writes made outside a transaction commit immediately.
// The caller may hold its store lock; fn must take the lock itself.
func onRollback(ctx context.Context, fn func()) {
	if j, ok := ctx.Value(txKey{}).(*journal); ok {
		j.add(fn)
	}
}

// TransactionManager undoes every write made through ctx when fn fails.
// Nested calls join the outer transaction.
type TransactionManager struct{}

// WithTransaction executes fn within a transaction.
func (TransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*journal); ok {
		return fn(ctx)
	}

	j := &journal{}
	if err := fn(context.WithValue(ctx, txKey{}, j)); err != nil {
		j.rollback()
		return err
	}

	return nil
}

var _ repository.TransactionManager = TransactionManager{}
