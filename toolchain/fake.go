package toolchain

import (
	"context"
	"sync"
)

// Fake is a Runner for tests. Each call is recorded; Handler produces the
// result. A nil Handler returns empty output.
type Fake struct {
	mu      sync.Mutex
	Calls   []Command
	Handler func(cmd Command) ([]byte, error)
}

// Run records cmd and delegates to Handler.
func (f *Fake) Run(ctx context.Context, cmd Command) ([]byte, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, cmd)
	handler := f.Handler
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, nil
	}
	return handler(cmd)
}

// Names returns the executable of every recorded call in order.
func (f *Fake) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		names[i] = c.Name
	}
	return names
}
