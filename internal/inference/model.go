package inference

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Model executes a single forward pass of a classification network.
// Implementations must be safe for concurrent use.
type Model interface {
	// Run feeds input through the network and returns the flat output
	// probability vector.
	Run(ctx context.Context, input Tensor) ([]float32, error)
	// InputShape is the exact tensor shape Run accepts.
	InputShape() []int64
	// OutputWidth is the length of the vector Run returns.
	OutputWidth() int
	Summary() Summary
	Close() error
}

// Summary describes a loaded model.
type Summary struct {
	Location    string  `json:"location"`
	InputName   string  `json:"input_name"`
	InputType   string  `json:"input_type"`
	InputShape  []int64 `json:"input_shape"`
	OutputName  string  `json:"output_name"`
	OutputShape []int64 `json:"output_shape"`
}

// Resource bundles a loaded model with its label vocabulary. Its fields
// are immutable once built and shared by every pipeline run.
//
// Store.Get and Store.Reload hand out leases: every caller must Release the
// resource when done. A resource replaced in the store stays open until
// its last lease is returned.
type Resource struct {
	Model    Model
	Labels   []string
	LoadedAt time.Time

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
	onClose func(error)
}

// ID identifies this particular load of the model: the same artifact
// loaded twice yields two IDs.
func (r *Resource) ID() string {
	return r.Model.Summary().Location + "@" + strconv.FormatInt(r.LoadedAt.UnixNano(), 10)
}

// Release returns a lease. Releasing a resource that was never leased is
// a no-op.
func (r *Resource) Release() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.refs > 0 {
		r.refs--
	}
	done := r.retired && r.refs == 0 && !r.closed
	if done {
		r.closed = true
	}
	r.mu.Unlock()

	if done {
		r.shutdown()
	}
}

// Close releases the model.
func (r *Resource) Close() error {
	if r == nil || r.Model == nil {
		return nil
	}
	return r.Model.Close()
}

func (r *Resource) acquire() *Resource {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
	return r
}

// retire marks r as dropped from the store. It is closed now when no lease
// is out, otherwise by the last Release. onClose receives the close error.
func (r *Resource) retire(onClose func(error)) {
	r.mu.Lock()
	r.retired = true
	r.onClose = onClose
	done := r.refs == 0 && !r.closed
	if done {
		r.closed = true
	}
	r.mu.Unlock()

	if done {
		r.shutdown()
	}
}

func (r *Resource) shutdown() {
	err := r.Close()
	if r.onClose != nil {
		r.onClose(err)
	}
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// concreteShape replaces dynamic dimensions with 1.
func concreteShape(shape []int64) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}
