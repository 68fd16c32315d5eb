package units

import (
	"fmt"

	"github.com/McTwist/vmctrl/pkg/errors"
)

// Directory is the read-only set of units known for the session, in load order.
type Directory struct {
	units  []Unit
	byID   map[string]int
	byName map[string]int
}

// NewDirectory indexes units by ID and name. Duplicate IDs are rejected; for
// duplicate names the first loaded unit wins name lookups.
func NewDirectory(list []Unit) (*Directory, error) {
	d := &Directory{
		units:  make([]Unit, 0, len(list)),
		byID:   make(map[string]int, len(list)),
		byName: make(map[string]int, len(list)),
	}

	for i, unit := range list {
		if err := ValidateUnitID(unit.ID); err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid unit at index %d", i), err)
		}
		if prev, exists := d.byID[unit.ID]; exists {
			return nil, errors.NewConflictError(
				fmt.Sprintf("duplicate unit ID '%s' found at indices %d and %d", unit.ID, prev, i),
				nil,
			).WithContext("unit_id", unit.ID)
		}

		d.byID[unit.ID] = len(d.units)
		if unit.Name != "" {
			if _, taken := d.byName[unit.Name]; !taken {
				d.byName[unit.Name] = len(d.units)
			}
		}
		d.units = append(d.units, unit)
	}

	return d, nil
}

// Len returns the number of units.
func (d *Directory) Len() int {
	return len(d.units)
}

// All returns every unit in load order.
func (d *Directory) All() []Unit {
	return append([]Unit(nil), d.units...)
}

// Onboot returns the units flagged to start on boot, in load order.
func (d *Directory) Onboot() []Unit {
	var out []Unit
	for _, unit := range d.units {
		if unit.Onboot {
			out = append(out, unit)
		}
	}
	return out
}

// Get finds a unit by ID only.
func (d *Directory) Get(id string) (Unit, bool) {
	i, ok := d.byID[id]
	if !ok {
		return Unit{}, false
	}
	return d.units[i], true
}

// Lookup resolves an ID or a name. IDs take precedence.
func (d *Directory) Lookup(ref string) (Unit, bool) {
	if unit, ok := d.Get(ref); ok {
		return unit, true
	}
	i, ok := d.byName[ref]
	if !ok {
		return Unit{}, false
	}
	return d.units[i], true
}

// Resolve looks up every reference, returning the found units in argument order
// with duplicates removed, and an UnknownUnit error per missing reference.
func (d *Directory) Resolve(refs []string) ([]Unit, []error) {
	var found []Unit
	var unknown []error
	seen := make(map[string]bool, len(refs))

	for _, ref := range refs {
		unit, ok := d.Lookup(ref)
		if !ok {
			unknown = append(unknown, errors.NewUnknownUnitError(ref))
			continue
		}
		if seen[unit.ID] {
			continue
		}
		seen[unit.ID] = true
		found = append(found, unit)
	}

	return found, unknown
}

// Filter keeps units matched by include (all when empty) and not matched by
// exclude. References that match nothing are returned so the caller can warn.
func (d *Directory) Filter(include, exclude []string) (*Directory, []string, error) {
	var unmatched []string

	keep := make(map[string]bool, len(d.units))
	if len(include) == 0 {
		for _, unit := range d.units {
			keep[unit.ID] = true
		}
	} else {
		for _, ref := range include {
			unit, ok := d.Lookup(ref)
			if !ok {
				unmatched = append(unmatched, ref)
				continue
			}
			keep[unit.ID] = true
		}
	}

	for _, ref := range exclude {
		unit, ok := d.Lookup(ref)
		if !ok {
			unmatched = append(unmatched, ref)
			continue
		}
		delete(keep, unit.ID)
	}

	filtered := make([]Unit, 0, len(keep))
	for _, unit := range d.units {
		if keep[unit.ID] {
			filtered = append(filtered, unit)
		}
	}

	out, err := NewDirectory(filtered)
	if err != nil {
		return nil, nil, err
	}
	return out, unmatched, nil
}
