// Package checklist holds the bench checklist: manual items an operator
// judges by eye and ear, and automated items judged from the MIDI traffic
// the instrument sends.
package checklist

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Item is what every checklist entry has.
type Item struct {
	ID   int
	Name string
	// MinBatch is the first PCB batch fitted with the feature. Zero means all.
	MinBatch uint8
	Note     string
}

// Applicable reports whether the item applies to a unit from batch.
func (i Item) Applicable(batch uint8) bool {
	return i.MinBatch == 0 || batch >= i.MinBatch
}

// Definition is either a Manual or an Automated item.
type Definition interface {
	Base() Item
	isDefinition()
}

type Manual struct {
	Item
	Procedure []string
	Expected  []string
}

type Automated struct {
	Item
	Instruction string
	Timeout     time.Duration
	// Predicate builds a fresh evaluator for one attempt.
	Predicate func() Predicate
}

func (m Manual) Base() Item     { return m.Item }
func (a Automated) Base() Item  { return a.Item }
func (Manual) isDefinition()    {}
func (Automated) isDefinition() {}

// ForBatch returns the definitions that apply to batch, in checklist order.
func ForBatch(defs []Definition, batch uint8) []Definition {
	return lo.Filter(defs, func(d Definition, _ int) bool { return d.Base().Applicable(batch) })
}

// Skipped returns the definitions that do not apply to batch.
func Skipped(defs []Definition, batch uint8) []Definition {
	return lo.Reject(defs, func(d Definition, _ int) bool { return d.Base().Applicable(batch) })
}

// Label is "NN Name", with the batch restriction appended when there is one.
func Label(d Definition) string {
	it := d.Base()
	if it.MinBatch > 0 {
		return fmt.Sprintf("%02d %s (batch %d+)", it.ID, it.Name, it.MinBatch)
	}
	return fmt.Sprintf("%02d %s", it.ID, it.Name)
}
