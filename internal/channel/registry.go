package channel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
)

type key struct {
	device string
	id     string
}

// Registry owns the scan channels of one opened instrument. Each channel can
// be claimed once; claims end with Release or ReleaseAll.
type Registry struct {
	store   iio.AttributeStore
	profile *types.InstrumentProfile

	mu     sync.Mutex
	claims map[key]*Channel
}

func NewRegistry(store iio.AttributeStore, profile *types.InstrumentProfile) *Registry {
	return &Registry{
		store:   store,
		profile: profile,
		claims:  make(map[key]*Channel),
	}
}

// Claim hands out the channel id of device in the given direction.
func (r *Registry) Claim(device, id string, output bool) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimLocked(device, id, output)
}

func (r *Registry) claimLocked(device, id string, output bool) (*Channel, error) {
	const op = "channel.Claim"

	dev, ok := r.profile.Device(device)
	if !ok {
		return nil, types.InvalidParameter(op, fmt.Sprintf("unknown device %s", device))
	}
	def, ok := dev.Channel(id, output)
	if !ok || def.Scan == nil {
		if other, found := dev.Channel(id, !output); found && other.Scan != nil {
			return nil, types.InvalidParameter(op, fmt.Sprintf("%s/%s is an %s channel", device, id, direction(!output)))
		}
		return nil, types.InvalidParameter(op, fmt.Sprintf("%s has no %s scan channel %s", device, direction(output), id))
	}
	k := key{device, id}
	if _, taken := r.claims[k]; taken {
		return nil, types.InvalidParameter(op, fmt.Sprintf("%s/%s is already claimed", device, id))
	}

	ch := &Channel{
		store:  r.store,
		device: device,
		id:     id,
		output: output,
		format: *def.Scan,
	}
	r.claims[k] = ch
	return ch, nil
}

// ClaimDevice claims every scan channel of device in the given direction,
// ordered by scan index. Nothing stays claimed on failure.
func (r *Registry) ClaimDevice(device string, output bool) ([]*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.profile.Device(device)
	if !ok {
		return nil, types.InvalidParameter("channel.ClaimDevice", fmt.Sprintf("unknown device %s", device))
	}

	var out []*Channel
	for _, def := range dev.Channels {
		if def.Output != output || def.Scan == nil {
			continue
		}
		ch, err := r.claimLocked(device, def.ID, output)
		if err != nil {
			for _, c := range out {
				delete(r.claims, key{c.device, c.id})
			}
			return nil, err
		}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, types.InvalidParameter("channel.ClaimDevice", fmt.Sprintf("%s has no %s scan channels", device, direction(output)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out, nil
}

func (r *Registry) Release(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{ch.device, ch.id}
	if r.claims[k] == ch {
		delete(r.claims, k)
	}
}

func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims = make(map[key]*Channel)
}

// Claimed reports the number of outstanding claims.
func (r *Registry) Claimed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims)
}

func direction(output bool) string {
	if output {
		return "output"
	}
	return "input"
}
