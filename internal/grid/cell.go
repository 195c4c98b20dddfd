package grid

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

const inheritText = "inherit"

// NoSample marks a cell that triggers nothing.
const NoSample = -1

// Override is a per-cell value that either holds its own number or defers to
// the sample slot default at trigger time.
type Override struct {
	Value float32
	Set   bool
}

// Inherit returns an Override that resolves from the sample slot.
func Inherit() Override { return Override{} }

// Value returns an Override pinned to v.
func Value(v float32) Override { return Override{Value: v, Set: true} }

// Resolve returns the override value, or def when inheriting.
func (o Override) Resolve(def float32) float32 {
	if o.Set {
		return o.Value
	}
	return def
}

func (o Override) String() string {
	if !o.Set {
		return inheritText
	}
	return strconv.FormatFloat(float64(o.Value), 'g', -1, 32)
}

func (o Override) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return json.Marshal(inheritText)
	}
	return json.Marshal(o.Value)
}

func (o *Override) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != inheritText {
			return fmt.Errorf("grid: invalid override %q", s)
		}
		*o = Inherit()
		return nil
	}
	var v float32
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("grid: invalid override: %w", err)
	}
	*o = Value(v)
	return nil
}

func (o Override) MarshalYAML() (interface{}, error) {
	if !o.Set {
		return inheritText, nil
	}
	return o.Value, nil
}

func (o *Override) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == inheritText || node.Value == "" {
		*o = Inherit()
		return nil
	}
	var v float32
	if err := node.Decode(&v); err != nil {
		return fmt.Errorf("grid: invalid override %q: %w", node.Value, err)
	}
	*o = Value(v)
	return nil
}

// Cell is one (step, column) entry of the grid.
type Cell struct {
	Slot   int      `json:"slot" yaml:"slot"`
	Volume Override `json:"volume" yaml:"volume"`
	Pitch  Override `json:"pitch" yaml:"pitch"`
}

// EmptyCell triggers nothing.
var EmptyCell = Cell{Slot: NoSample}

func (c Cell) Empty() bool { return c.Slot < 0 }
