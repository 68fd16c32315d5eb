package units

import (
	"math"
	"sort"
	"time"
)

// Kind distinguishes the Proxmox tool responsible for a unit.
type Kind string

const (
	KindVM        Kind = "vm"
	KindContainer Kind = "ct"
)

// NoOrder sorts units without a startup order after every ordered unit.
const NoOrder = math.MaxInt32

// Unit is a managed compute instance. Immutable after the directory is loaded.
type Unit struct {
	ID     string
	Name   string
	Kind   Kind
	Onboot bool
	Order  int
	// UpDelay is how long the unit is given to come up after a start before
	// its next command runs
	UpDelay time.Duration
}

// Label returns the name if the unit has one, the ID otherwise.
func (u Unit) Label() string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// SortForStart orders units by ascending startup order, keeping load order for ties.
func SortForStart(list []Unit) []Unit {
	sorted := append([]Unit(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	return sorted
}

// SortForStop orders units by descending startup order, keeping load order for ties.
func SortForStop(list []Unit) []Unit {
	sorted := append([]Unit(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order > sorted[j].Order
	})
	return sorted
}
