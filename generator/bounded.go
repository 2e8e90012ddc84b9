package generator

import (
	"fmt"
	"io"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// Bounded wraps an endless train.Dataset and reports io.EOF after steps
// batches, which is what train.Trainer.Eval expects. Reset rewinds the count
// and resets the wrapped dataset.
type Bounded struct {
	ds    train.Dataset
	steps int

	mu    sync.Mutex
	count int
}

var _ train.Dataset = (*Bounded)(nil)

// NewBounded returns ds limited to steps batches per pass.
func NewBounded(ds train.Dataset, steps int) *Bounded {
	return &Bounded{ds: ds, steps: steps}
}

// Name implements train.Dataset.
func (b *Bounded) Name() string {
	return fmt.Sprintf("%s[%d]", b.ds.Name(), b.steps)
}

// Reset implements train.Dataset.
func (b *Bounded) Reset() {
	b.mu.Lock()
	b.count = 0
	b.mu.Unlock()
	b.ds.Reset()
}

// Yield implements train.Dataset.
func (b *Bounded) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	b.mu.Lock()
	if b.count >= b.steps {
		b.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	b.count++
	b.mu.Unlock()
	return b.ds.Yield()
}
