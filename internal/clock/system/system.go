// Package system adapts the wall clock to the leech.Clock seam so
// completion timestamps can be frozen in tests.
package system

import "time"

// Clock reads the wall clock. The zero value is ready to use.
type Clock struct{}

// Now returns the current time in UTC. Stored timestamps are always
// UTC so they compare cleanly across store implementations.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
