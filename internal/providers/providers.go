// Package providers supplies machines to the orchestrator on demand.
package providers

import (
	"context"
	"errors"
	"sync"

	"github.com/3cpo-dev/fleetsitter/internal/machine"
)

// ErrInsufficientHosts is returned when a backend cannot supply the number of
// machines requested for a zone.
var ErrInsufficientHosts = errors.New("insufficient hosts")

// Provider is a provisioning backend. RequestMachines returns immediately
// with placeholders that become ready asynchronously.
type Provider interface {
	Name() string
	RequestMachines(ctx context.Context, zone string, count int) ([]*Pending, error)
}

// Pending is a machine whose provisioning may still be in progress.
type Pending struct {
	Machine machine.Machine

	once sync.Once
	done chan struct{}
	err  error
}

func NewPending(m machine.Machine) *Pending {
	return &Pending{Machine: m, done: make(chan struct{})}
}

// Resolve ends provisioning. Only the first call has an effect.
func (p *Pending) Resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once provisioning finished, successfully or not.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err is the provisioning error, nil while in progress.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Available reports whether provisioning succeeded and the machine answers.
func (p *Pending) Available() bool {
	select {
	case <-p.done:
		return p.err == nil && p.Machine.Available()
	default:
		return false
	}
}
