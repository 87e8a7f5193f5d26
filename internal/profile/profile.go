// Package profile models the printer profile schema the device driver
// library consumes (§6): per-tool and per-heated-platform capability maps
// keyed by integer-valued strings, plus the start/end gcode sequences a
// slicer would embed directly (the wrap task uses these instead; see
// internal/recipe). It also provides an ambient, hot-reloading file store
// for profiles on disk.
package profile

import (
	"fmt"
	"sort"
	"strconv"
)

// ToolSpec is the opaque per-tool/per-platform capability record. Real
// deployments carry many more fields (nozzle diameter, max temperature,
// stepper steps/mm, ...); conveyor only needs the ones required to decide
// which gcode processors apply and how many tools/platforms to poll.
type ToolSpec struct {
	Name string `yaml:"name,omitempty"`
}

// Values is the consumed profile.values bag from §6.
type Values struct {
	Tools              map[string]ToolSpec `yaml:"tools"`
	HeatedPlatforms    map[string]ToolSpec `yaml:"heated_platforms"`
	PrintStartSequence []string            `yaml:"print_start_sequence"`
	PrintEndSequence   []string            `yaml:"print_end_sequence"`

	// Model names the hardware model (e.g. "Replicator2"). §4.4's
	// gcode-processor selection appends the fan processor when this
	// matches a specific hardware model.
	Model string `yaml:"model"`
}

// ToolIndices returns the sorted integer tool indices, validating that
// every key parses as an integer (the consumed schema requires
// integer-valued string keys).
func (v Values) ToolIndices() ([]int, error) {
	return intKeys(v.Tools)
}

// PlatformIndices returns the sorted integer heated-platform indices.
func (v Values) PlatformIndices() ([]int, error) {
	return intKeys(v.HeatedPlatforms)
}

func intKeys(m map[string]ToolSpec) ([]int, error) {
	indices := make([]int, 0, len(m))
	for key := range m {
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("profile: non-integer key %q: %w", key, err)
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices, nil
}

// Profile is a named printer profile.
type Profile struct {
	Name   string `yaml:"name"`
	Values Values `yaml:"values"`
}
