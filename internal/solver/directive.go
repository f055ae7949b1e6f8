// Package solver holds the join solvers: pure functions that look at the
// current keys of every joined slot and tell the scan driver how to move.
package solver

import (
	"fmt"
	"strings"

	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/pingcap/errors"
)

// ErrMalformedDirective is returned for directives whose per-slot vectors do
// not match the number of joined slots.
var ErrMalformedDirective = errors.New("malformed directive")

// Key is an effective or primary key.
type Key = keyrange.Key

// Directive is one of Stop, Advance, SeekEffectiveKey, SeekPrimaryKey,
// Restart or Emit. In every per-slot vector a zero entry holds the slot.
type Directive interface {
	fmt.Stringer
	directive()
}

// Stop ends the scan.
type Stop struct{}

// Advance steps each slot by its count of records.
type Advance struct {
	Steps []int
}

// SeekEffectiveKey moves each slot with a non-nil target to the first record
// whose effective key reaches it.
type SeekEffectiveKey struct {
	Targets []Key
}

// SeekPrimaryKey moves each slot with a non-nil target to the first record of
// its current effective key whose primary key reaches it.
type SeekPrimaryKey struct {
	Targets []Key
}

// Restart reopens the flagged slots at the start of their ranges.
type Restart struct {
	Slots []bool
}

// Emit reports Key as a match, then applies Then.
type Emit struct {
	Key  Key
	Then Directive
}

func (Stop) directive()             {}
func (Advance) directive()          {}
func (SeekEffectiveKey) directive() {}
func (SeekPrimaryKey) directive()   {}
func (Restart) directive()          {}
func (Emit) directive()             {}

func (Stop) String() string               { return "stop" }
func (d Advance) String() string          { return fmt.Sprintf("advance%v", d.Steps) }
func (d SeekEffectiveKey) String() string { return "seek-key" + keysString(d.Targets) }
func (d SeekPrimaryKey) String() string   { return "seek-pk" + keysString(d.Targets) }
func (d Restart) String() string          { return fmt.Sprintf("restart%v", d.Slots) }
func (d Emit) String() string             { return fmt.Sprintf("emit(%v) then %v", d.Key, d.Then) }

func keysString(ks []Key) string {
	parts := make([]string, len(ks))
	for i, k := range ks {
		if k == nil {
			parts[i] = "-"
		} else {
			parts[i] = fmt.Sprint(k)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Validate checks d against n joined slots. A directive that moves no slot
// would loop forever and is rejected too.
func Validate(d Directive, n int) error {
	count := func(l int) error {
		if l != n {
			return errors.Annotatef(ErrMalformedDirective, "%v has %d entries for %d slots", d, l, n)
		}
		return nil
	}
	moves := 0
	switch d := d.(type) {
	case nil:
		return errors.Annotate(ErrMalformedDirective, "nil directive")
	case Stop:
		return nil
	case Advance:
		if err := count(len(d.Steps)); err != nil {
			return err
		}
		for i, s := range d.Steps {
			if s < 0 {
				return errors.Annotatef(ErrMalformedDirective, "slot %d steps %d", i, s)
			}
			if s > 0 {
				moves++
			}
		}
	case SeekEffectiveKey:
		if err := count(len(d.Targets)); err != nil {
			return err
		}
		moves = countKeys(d.Targets)
	case SeekPrimaryKey:
		if err := count(len(d.Targets)); err != nil {
			return err
		}
		moves = countKeys(d.Targets)
	case Restart:
		if err := count(len(d.Slots)); err != nil {
			return err
		}
		for _, r := range d.Slots {
			if r {
				moves++
			}
		}
	case Emit:
		if d.Key == nil {
			return errors.Annotate(ErrMalformedDirective, "emit without a key")
		}
		return Validate(d.Then, n)
	default:
		return errors.Annotatef(ErrMalformedDirective, "unknown directive %T", d)
	}
	if moves == 0 {
		return errors.Annotatef(ErrMalformedDirective, "%v moves no slot", d)
	}
	return nil
}

func countKeys(ks []Key) int {
	n := 0
	for _, k := range ks {
		if k != nil {
			n++
		}
	}
	return n
}

// All builds an Advance stepping every one of n slots once.
func All(n int) Advance {
	steps := make([]int, n)
	for i := range steps {
		steps[i] = 1
	}
	return Advance{Steps: steps}
}

// One builds an Advance stepping slot i of n once.
func One(i, n int) Advance {
	steps := make([]int, n)
	steps[i] = 1
	return Advance{Steps: steps}
}
