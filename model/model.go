// Package model contains core data types for the project.
package model

import "fmt"

// NoData is the reserved value meaning "no reading for this field this
// round". The SeeLevel sender uses the same value on the wire, so it is
// part of the protocol, not just an internal marker. It is distinct from
// zero: an empty tank legitimately reports level 0.
const NoData = -99

// TankCount is the number of tank slots the bridge manages. SeeLevel
// sensors report at most three tanks, but the NMEA2000 fluid type
// enumeration defines six and other senders may use all of them.
const TankCount = 6

// TankIndex identifies a physical tank. Values follow the NMEA2000 fluid
// type enumeration (0 = fuel, 1 = fresh water, ...).
type TankIndex int

var fluidNames = [TankCount]string{
	"fuel",
	"fresh water",
	"waste water",
	"live well",
	"oil",
	"black water",
}

// Valid reports whether the index addresses one of the managed tank slots.
func (t TankIndex) Valid() bool {
	return t >= 0 && t < TankCount
}

func (t TankIndex) String() string {
	if t.Valid() {
		return fmt.Sprintf("tank %d (%s)", int(t), fluidNames[t])
	}
	return fmt.Sprintf("tank %d", int(t))
}

// Reading is one per-tank sample extracted from the multiplexed source.
// Either field may be NoData, meaning the field was not seen this round
// and must not overwrite previously stored state.
type Reading struct {
	Level    float64 // percent, 100 = full
	Capacity float64 // cubic meters
}

// HasLevel reports whether the level field carries data.
func (r Reading) HasLevel() bool { return r.Level != NoData }

// HasCapacity reports whether the capacity field carries data.
func (r Reading) HasCapacity() bool { return r.Capacity != NoData }
