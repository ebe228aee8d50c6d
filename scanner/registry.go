package scanner

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/bleuart/internal/device"
)

// Registry holds the peripherals found by the most recent completed scan, in
// discovery order. Readers see an immutable snapshot; Replace swaps in a new one
// atomically, so a reader never observes a half-written list.
type Registry struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

type snapshot struct {
	generation uint64
	byAddress  *orderedmap.OrderedMap[string, device.PeripheralRef]
	list       []device.PeripheralRef
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{byAddress: orderedmap.New[string, device.PeripheralRef]()})
	return r
}

// Replace discards the current contents and publishes refs as the new snapshot.
// Duplicate addresses keep their first position. It returns the new generation.
func (r *Registry) Replace(refs []device.PeripheralRef) uint64 {
	byAddress := orderedmap.New[string, device.PeripheralRef](len(refs))
	for _, ref := range refs {
		key := addressKey(ref.Address)
		if _, present := byAddress.Get(key); present {
			continue
		}
		byAddress.Set(key, ref.Clone())
	}

	list := make([]device.PeripheralRef, 0, byAddress.Len())
	for pair := byAddress.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	next := &snapshot{
		generation: r.snap.Load().generation + 1,
		byAddress:  byAddress,
		list:       list,
	}
	r.snap.Store(next)
	return next.generation
}

// List returns a copy of the current contents in discovery order.
func (r *Registry) List() []device.PeripheralRef {
	s := r.snap.Load()
	out := make([]device.PeripheralRef, len(s.list))
	for i, ref := range s.list {
		out[i] = ref.Clone()
	}
	return out
}

// Get returns the peripheral at index in the current snapshot.
func (r *Registry) Get(index int) (device.PeripheralRef, error) {
	s := r.snap.Load()
	if index < 0 || index >= len(s.list) {
		return device.PeripheralRef{}, fmt.Errorf("%w: index %d out of range (%d discovered)", device.ErrUnknownDevice, index, len(s.list))
	}
	return s.list[index].Clone(), nil
}

// GetAt is Get bound to a generation: it fails when the registry has been
// rebuilt since the caller listed it.
func (r *Registry) GetAt(generation uint64, index int) (device.PeripheralRef, error) {
	s := r.snap.Load()
	if s.generation != generation {
		return device.PeripheralRef{}, fmt.Errorf("%w: list is stale (generation %d, current %d)", device.ErrUnknownDevice, generation, s.generation)
	}
	if index < 0 || index >= len(s.list) {
		return device.PeripheralRef{}, fmt.Errorf("%w: index %d out of range (%d discovered)", device.ErrUnknownDevice, index, len(s.list))
	}
	return s.list[index].Clone(), nil
}

// Lookup finds a peripheral by address, ignoring case.
func (r *Registry) Lookup(address string) (device.PeripheralRef, bool) {
	ref, ok := r.snap.Load().byAddress.Get(addressKey(address))
	if !ok {
		return device.PeripheralRef{}, false
	}
	return ref.Clone(), true
}

func (r *Registry) Len() int {
	return len(r.snap.Load().list)
}

// Generation increments on every Replace. Zero means no scan has completed.
func (r *Registry) Generation() uint64 {
	return r.snap.Load().generation
}

func addressKey(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
