package agent

import (
	"context"
	"sync"

	"github.com/solmak/bothive/pkg/schema"
)

// FakeControl is a scripted in-process ControlInterface. It backs package
// tests and the example binary; there is no real world connection in this
// core.
type FakeControl struct {
	mu        sync.Mutex
	connected bool

	// World is the item availability the fake gathers from. Gather takes
	// up to the requested count and decrements it.
	World map[string]int

	inventory map[string]int
	chatLog   []string
	moves     [][3]float64

	// GatherErr, when set, fails every Gather call.
	GatherErr error
}

// NewFakeControl creates a fake with the given world availability.
func NewFakeControl(world map[string]int) *FakeControl {
	w := make(map[string]int, len(world))
	for k, v := range world {
		w[k] = v
	}
	return &FakeControl{World: w, inventory: make(map[string]int)}
}

// FakeFactory returns a ControlFactory producing independent fakes sharing
// one world definition.
func FakeFactory(world map[string]int) ControlFactory {
	return func(rec *schema.AgentRecord) (ControlInterface, error) {
		return NewFakeControl(world), nil
	}
}

func (f *FakeControl) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *FakeControl) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *FakeControl) MoveTo(ctx context.Context, x, y, z float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, [3]float64{x, y, z})
	return nil
}

func (f *FakeControl) Chat(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatLog = append(f.chatLog, message)
	return nil
}

func (f *FakeControl) Inventory(ctx context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.inventory))
	for k, v := range f.inventory {
		out[k] = v
	}
	return out, nil
}

func (f *FakeControl) Gather(ctx context.Context, item string, count int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GatherErr != nil {
		return 0, f.GatherErr
	}
	available := f.World[item]
	got := count
	if available < got {
		got = available
	}
	f.World[item] -= got
	f.inventory[item] += got
	return got, nil
}

func (f *FakeControl) Scan(ctx context.Context, radius int) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nearby := make(map[string]any, len(f.World))
	for k, v := range f.World {
		nearby[k] = v
	}
	return map[string]any{"radius": radius, "nearby": nearby}, nil
}

// ChatLog returns the chat lines sent so far.
func (f *FakeControl) ChatLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chatLog...)
}

// Moves returns the coordinates moved to so far.
func (f *FakeControl) Moves() [][3]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][3]float64(nil), f.moves...)
}
