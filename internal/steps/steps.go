// Package steps holds the ordered input table the firmware self-test walks
// through. Firmware revisions changed the table length, so profiles for 19,
// 20 and 21 steps are embedded and an operator may load another from disk.
package steps

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/valyala/fasttemplate"
	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var profiles embed.FS

var (
	ErrUnknownProfile = errors.New("steps: no profile for step count")
	ErrInvalidProfile = errors.New("steps: invalid profile")
)

// Kind is the physical control a step exercises.
type Kind string

const (
	KindButton   Kind = "button"
	KindJoystick Kind = "joystick"
	KindSlider   Kind = "slider"
)

var instructions = map[Kind]string{
	KindButton:   "Press {label}",
	KindJoystick: "Push the joystick {direction}",
	KindSlider:   "Move the volume slider to {position}",
}

// Step is one entry of the self-test table. Index is 1-based.
type Step struct {
	Index           uint8  `json:"index"`
	Label           string `json:"label"`
	Kind            Kind   `json:"kind"`
	ExpectedInputID uint8  `json:"expectedInputId"`
}

// Instruction is the operator prompt shown while the firmware waits for
// this step.
func (s Step) Instruction() string {
	tpl, ok := instructions[s.Kind]
	if !ok {
		return s.Label
	}
	t, err := fasttemplate.NewTemplate(tpl, "{", "}")
	if err != nil {
		return s.Label
	}
	return t.ExecuteString(map[string]interface{}{
		"label":     s.Label,
		"direction": strings.TrimPrefix(s.Label, "Joystick "),
		"position":  strings.TrimPrefix(s.Label, "Volume Slider "),
	})
}

// Catalog is a read-only, ordered step table.
type Catalog struct {
	steps []Step
}

// Len is the number of steps N.
func (c Catalog) Len() int { return len(c.steps) }

// Steps returns a copy of the table.
func (c Catalog) Steps() []Step {
	return append([]Step(nil), c.steps...)
}

// Step looks a step up by its 1-based index.
func (c Catalog) Step(index uint8) (Step, bool) {
	if index == 0 || int(index) > len(c.steps) {
		return Step{}, false
	}
	return c.steps[index-1], true
}

// Head returns the first n steps.
func (c Catalog) Head(n int) Catalog {
	if n >= len(c.steps) {
		return c
	}
	if n < 0 {
		n = 0
	}
	return Catalog{steps: c.steps[:n]}
}

type profileFile struct {
	Steps []struct {
		Label string `yaml:"label"`
		Kind  Kind   `yaml:"kind"`
		Input int    `yaml:"input"`
	} `yaml:"steps"`
}

// Parse reads a YAML profile. Steps are numbered in file order.
func Parse(data []byte) (Catalog, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Catalog{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if len(pf.Steps) == 0 || len(pf.Steps) > 127 {
		return Catalog{}, fmt.Errorf("%w: %d steps", ErrInvalidProfile, len(pf.Steps))
	}
	out := make([]Step, 0, len(pf.Steps))
	for i, s := range pf.Steps {
		switch {
		case s.Label == "":
			return Catalog{}, fmt.Errorf("%w: step %d has no label", ErrInvalidProfile, i+1)
		case s.Input < 1 || s.Input > 127:
			return Catalog{}, fmt.Errorf("%w: step %d input id %d out of range", ErrInvalidProfile, i+1, s.Input)
		case !lo.Contains([]Kind{KindButton, KindJoystick, KindSlider}, s.Kind):
			return Catalog{}, fmt.Errorf("%w: step %d kind %q", ErrInvalidProfile, i+1, s.Kind)
		}
		out = append(out, Step{
			Index:           uint8(i + 1),
			Label:           s.Label,
			Kind:            s.Kind,
			ExpectedInputID: uint8(s.Input),
		})
	}
	return Catalog{steps: out}, nil
}

// Load reads a profile from disk.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read profile: %w", err)
	}
	return Parse(data)
}

// ForCount returns the embedded profile with exactly n steps.
func ForCount(n int) (Catalog, error) {
	data, err := profiles.ReadFile(fmt.Sprintf("profiles/%d.yaml", n))
	if err != nil {
		return Catalog{}, fmt.Errorf("%w: %d", ErrUnknownProfile, n)
	}
	return Parse(data)
}

// Default is the 19-step table of current firmware.
func Default() Catalog {
	c, err := ForCount(19)
	if err != nil {
		panic(err)
	}
	return c
}

// Counts lists the embedded profile sizes.
func Counts() []int { return []int{19, 20, 21} }
