package agent

import "context"

// ControlInterface is the seam to an agent's connection into the external
// world. Implementations wrap whatever protocol the avatar speaks; the core
// never depends on more than this surface. All calls block until the remote
// operation settles and honor context cancellation.
type ControlInterface interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// MoveTo walks the avatar to the given coordinates.
	MoveTo(ctx context.Context, x, y, z float64) error

	// Chat sends a chat line into the world.
	Chat(ctx context.Context, message string) error

	// Inventory returns the avatar's current item counts by name.
	Inventory(ctx context.Context) (map[string]int, error)

	// Gather collects up to count units of the named item and returns how
	// many were actually obtained. Obtaining fewer than requested is not an
	// error; the caller decides how to treat the shortfall.
	Gather(ctx context.Context, item string, count int) (int, error)

	// Scan surveys the surroundings within the given radius. The shape of
	// the result is world-specific.
	Scan(ctx context.Context, radius int) (map[string]any, error)
}
