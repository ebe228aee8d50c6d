package session

import (
	"fmt"
	"time"

	"github.com/srg/bleuart/internal/device"
)

// WritePolicy decides what happens to payloads larger than MaxChunkSize.
type WritePolicy string

const (
	// PolicyFragment splits large payloads into MaxChunkSize chunks written in order.
	PolicyFragment WritePolicy = "fragment"
	// PolicyReject refuses large payloads with ErrPayloadTooLarge.
	PolicyReject WritePolicy = "reject"
)

const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultTeardownTimeout = 5 * time.Second
	DefaultChunkInterval   = 10 * time.Millisecond
)

type Options struct {
	Profile         device.Profile
	ConnectTimeout  time.Duration
	TeardownTimeout time.Duration
	WritePolicy     WritePolicy
	MaxChunkSize    int
	// ChunkInterval paces consecutive chunks of a fragmented write. Zero disables pacing.
	ChunkInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Profile:         device.DefaultProfile(),
		ConnectTimeout:  DefaultConnectTimeout,
		TeardownTimeout: DefaultTeardownTimeout,
		WritePolicy:     PolicyFragment,
		MaxChunkSize:    device.MaxChunkSize,
		ChunkInterval:   DefaultChunkInterval,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Profile == (device.Profile{}) {
		o.Profile = d.Profile
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = d.TeardownTimeout
	}
	if o.WritePolicy == "" {
		o.WritePolicy = d.WritePolicy
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = d.MaxChunkSize
	}
	if o.ChunkInterval < 0 {
		o.ChunkInterval = 0
	}
	return o
}

func (o Options) Validate() error {
	if err := o.Profile.Validate(); err != nil {
		return err
	}
	switch o.WritePolicy {
	case PolicyFragment, PolicyReject, "":
	default:
		return fmt.Errorf("unknown write policy %q", o.WritePolicy)
	}
	return nil
}
