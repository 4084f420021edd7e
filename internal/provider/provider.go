// Package provider adapts each channel's external system to one send contract.
package provider

import (
	"context"
	"fmt"

	"github.com/jnst/outbound-engine/internal/model"
)

// Result is the outcome of one Send call.
type Result struct {
	Success    bool
	ExternalID string
	// LocalID and RemoteID identify the entity touched by a CRM sync.
	LocalID  string
	RemoteID string
	Err      *model.ProviderError
}

// Succeeded builds a successful Result.
func Succeeded(externalID string) Result {
	return Result{Success: true, ExternalID: externalID}
}

// Failed builds a failed Result; unclassified errors count as transient.
func Failed(err error) Result {
	return Result{Err: model.AsProviderError(err)}
}

// Adapter delivers queue items of a single channel.
type Adapter interface {
	Channel() model.Channel
	Send(ctx context.Context, item *model.QueueItem) Result
}

// Registry maps each channel to its adapter. It is built once at startup.
type Registry struct {
	adapters map[model.Channel]Adapter
}

// NewRegistry builds a registry, rejecting two adapters for one channel.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[model.Channel]Adapter, len(adapters))}

	for _, a := range adapters {
		if _, dup := r.adapters[a.Channel()]; dup {
			return nil, fmt.Errorf("duplicate adapter for channel %s", a.Channel())
		}

		r.adapters[a.Channel()] = a
	}

	return r, nil
}

// Get returns the adapter for channel.
func (r *Registry) Get(channel model.Channel) (Adapter, error) {
	a, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %q", model.ErrUnknownChannel, channel)
	}

	return a, nil
}

func payloadError(item *model.QueueItem, want model.Channel) *model.ProviderError {
	return model.NewPermanentError("payload", "item %d carries %T, want %s payload", item.ID, item.Payload, want)
}
