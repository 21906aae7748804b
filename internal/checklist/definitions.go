package checklist

import (
	"time"

	"github.com/chase3718/hichord-qa/internal/protocol"
)

// Default is the bench checklist for the current hardware revision.
func Default() []Definition {
	return []Definition{
		Manual{
			Item: Item{ID: 1, Name: "Charging Indicator"},
			Procedure: []string{
				"Connect a USB-C cable to the instrument and a power source",
				"Observe the LED indicator on the side panel",
			},
			Expected: []string{
				"LED shows RED while charging",
				"LED shows BLUE when fully charged",
				"LED is visible and bright",
			},
		},
		Manual{
			Item: Item{ID: 2, Name: "Power On Sequence"},
			Procedure: []string{
				"Press and hold the power button for 1 second",
				"Observe the OLED boot animation",
				"Verify the firmware version appears",
			},
			Expected: []string{
				`Display shows the "HICHORD" title with animation`,
				"Firmware version appears below the title",
				"Boot completes within 3 seconds",
				"No screen artifacts or glitches",
			},
		},
		Automated{
			Item:        Item{ID: 3, Name: "Volume Control"},
			Instruction: "Move the volume slider from MIN to MAX slowly",
			Timeout:     15 * time.Second,
			Predicate:   func() Predicate { return ControllerSweep(protocol.CCVolume, 3, 10) },
		},
		Manual{
			Item: Item{ID: 4, Name: "Function Buttons"},
			Procedure: []string{
				"Press F1 (gray): Settings menu opens, navigate KEY, OCTAVE, PRESET",
				"Press F2 (yellow): Effects menu opens, navigate GLIDE, REVERB, CHORUS, DELAY",
				"Press F3 (red): Modes menu opens",
				"Press each button again to close its menu",
			},
			Expected: []string{
				"Each press registers immediately",
				"Correct menu appears for each button",
				"No stuck buttons or double triggers",
			},
		},
		Manual{
			Item: Item{ID: 5, Name: "Joystick (8 Directions)"},
			Procedure: []string{
				"Hold chord button 1 (C major)",
				"Move the joystick through UP, UP-RIGHT, RIGHT, DOWN-RIGHT, DOWN, DOWN-LEFT, LEFT, UP-LEFT",
				"Release the chord button",
			},
			Expected: []string{
				"Display shows Cm, C7, CM7, CM9, Csus4, C6, Cdim, C+ in that order",
				"Audio follows the displayed chord",
				"Joystick returns to center with no drift",
			},
		},
		Automated{
			Item:        Item{ID: 6, Name: "Joystick Button Press"},
			Instruction: "Press down on the joystick (click) 3 times",
			Timeout:     10 * time.Second,
			Predicate:   func() Predicate { return ClickCount(3) },
		},
		Manual{
			Item: Item{ID: 7, Name: "Built-in Speaker"},
			Procedure: []string{
				"Disconnect headphones and USB",
				"Set volume to 50%",
				"Press chord buttons 1-7 in turn",
			},
			Expected: []string{
				"Display shows C, Dm, Em, F, G, Am, Bdim",
				"Clear audio with no distortion, crackling or buzzing",
			},
		},
		Manual{
			Item: Item{ID: 8, Name: "Headphone Output"},
			Procedure: []string{
				"Connect headphones to the 3.5mm jack",
				"Press chord buttons 1-7",
			},
			Expected: []string{
				"Speaker mutes when headphones are connected",
				"Clear stereo audio in both channels",
				"No ground noise or interference",
			},
		},
		Manual{
			Item: Item{ID: 9, Name: "USB-C Audio Output"},
			Procedure: []string{
				"Connect to a computer via USB-C",
				"Select the instrument as audio output device",
				"Press chord buttons at several volume levels",
			},
			Expected: []string{
				"Appears as a class-compliant USB audio device",
				"Clean audio with no dropouts",
			},
		},
		Automated{
			Item:        Item{ID: 10, Name: "MIDI Output"},
			Instruction: "Press each chord button 1-7",
			Timeout:     20 * time.Second,
			Predicate:   func() Predicate { return NoteSeen(7) },
		},
		Manual{
			Item: Item{ID: 11, Name: "Microphone Input", MinBatch: 4, Note: "no microphone before batch 4"},
			Procedure: []string{
				"Hold F3 and press chord button 6 to enter MIC_SAMPLE mode",
				"Record a sample, press the joystick to stop",
				"Play the sample back from the chord buttons",
			},
			Expected: []string{
				"Recording indicator shows on the OLED",
				"Sample plays back chromatically",
				"No excessive noise or clipping",
			},
		},
		Manual{
			Item: Item{ID: 12, Name: "Battery Indicator", MinBatch: 2, Note: "no battery detection on batch 1"},
			Procedure: []string{
				"Disconnect USB and run on battery",
				"Observe the top-right corner of the OLED",
				"Reconnect USB",
			},
			Expected: []string{
				"Battery percentage displays top-right",
				"Charging icon shows when USB is connected",
			},
		},
	}
}
