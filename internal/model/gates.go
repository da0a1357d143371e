package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// GateID names one entry of a project's gate map.
type GateID string

const (
	GateLicense      GateID = "license"
	GateDisclaimer   GateID = "disclaimer"
	GateEnvironment  GateID = "environment"
	GateFolder       GateID = "folder"
	GateBlueprint    GateID = "blueprint"
	GateIntegrity    GateID = "integrity"
	GatePreExecution GateID = "pre_execution"
	GateValidation   GateID = "validation"
	GateVerification GateID = "verification"
)

// GateSchemaVersion is stamped on every persisted gate map.
const GateSchemaVersion = 1

// AllGates returns every known gate in evaluation order.
func AllGates() []GateID {
	return []GateID{
		GateLicense,
		GateDisclaimer,
		GateEnvironment,
		GateFolder,
		GateBlueprint,
		GateIntegrity,
		GatePreExecution,
		GateValidation,
		GateVerification,
	}
}

// Known reports whether g is part of the closed gate vocabulary.
func (g GateID) Known() bool {
	for _, known := range AllGates() {
		if g == known {
			return true
		}
	}
	return false
}

// Structural reports whether a manual true toggle must pass the gate's
// evaluator first.
func (g GateID) Structural() bool {
	switch g {
	case GateBlueprint, GateEnvironment, GateFolder, GateIntegrity:
		return true
	}
	return false
}

// ExitGates returns the gates that must all be true to finalize phase p.
func ExitGates(p Phase) []GateID {
	switch p {
	case PhaseIdeation:
		return []GateID{GateLicense, GateDisclaimer}
	case PhasePlanning:
		return []GateID{GateBlueprint, GateEnvironment, GateFolder, GateIntegrity}
	case PhaseExecution:
		return []GateID{GatePreExecution, GateValidation}
	case PhaseReview:
		return []GateID{GateVerification}
	}
	return nil
}

// ErrUnknownGateKeys is returned when a decoded gate map carries keys
// outside the closed vocabulary.
var ErrUnknownGateKeys = errors.New("gate map contains unknown keys")

// GateMap is the typed record of gate states for one project.
// Missing gates read as false.
type GateMap struct {
	SchemaVersion int
	values        map[GateID]bool
}

// NewGateMap returns a map with every gate false.
func NewGateMap() GateMap {
	m := GateMap{SchemaVersion: GateSchemaVersion, values: make(map[GateID]bool, len(AllGates()))}
	for _, g := range AllGates() {
		m.values[g] = false
	}
	return m
}

// Get returns the stored value of g.
func (m GateMap) Get(g GateID) bool {
	return m.values[g]
}

// Set returns a copy of m with g set to v. Unknown gates are ignored.
func (m GateMap) Set(g GateID, v bool) GateMap {
	out := m.Clone()
	if g.Known() {
		out.values[g] = v
	}
	return out
}

// Clone returns an independent copy.
func (m GateMap) Clone() GateMap {
	out := NewGateMap()
	if m.SchemaVersion != 0 {
		out.SchemaVersion = m.SchemaVersion
	}
	for g, v := range m.values {
		out.values[g] = v
	}
	return out
}

// Equal reports whether both maps hold the same values for every gate.
func (m GateMap) Equal(other GateMap) bool {
	for _, g := range AllGates() {
		if m.Get(g) != other.Get(g) {
			return false
		}
	}
	return true
}

// Missing returns the gates from ids that are not true.
func (m GateMap) Missing(ids []GateID) []GateID {
	var missing []GateID
	for _, g := range ids {
		if !m.Get(g) {
			missing = append(missing, g)
		}
	}
	return missing
}

// Values returns a plain copy keyed by gate id.
func (m GateMap) Values() map[GateID]bool {
	out := make(map[GateID]bool, len(AllGates()))
	for _, g := range AllGates() {
		out[g] = m.Get(g)
	}
	return out
}

type gateMapWire struct {
	SchemaVersion int             `json:"schema_version"`
	Gates         map[string]bool `json:"gates"`
}

// MarshalJSON encodes the map with its schema version.
func (m GateMap) MarshalJSON() ([]byte, error) {
	wire := gateMapWire{SchemaVersion: m.SchemaVersion, Gates: make(map[string]bool, len(AllGates()))}
	if wire.SchemaVersion == 0 {
		wire.SchemaVersion = GateSchemaVersion
	}
	for _, g := range AllGates() {
		wire.Gates[string(g)] = m.Get(g)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a gate map. Unknown keys are not round-tripped:
// known gates are kept and ErrUnknownGateKeys is returned naming the rest.
func (m *GateMap) UnmarshalJSON(data []byte) error {
	var wire gateMapWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := NewGateMap()
	if wire.SchemaVersion != 0 {
		out.SchemaVersion = wire.SchemaVersion
	}
	var unknown []string
	for k, v := range wire.Gates {
		g := GateID(k)
		if !g.Known() {
			unknown = append(unknown, k)
			continue
		}
		out.values[g] = v
	}
	*m = out
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s", ErrUnknownGateKeys, strings.Join(unknown, ", "))
	}
	if out.SchemaVersion > GateSchemaVersion {
		return fmt.Errorf("gate map schema version %d is newer than supported %d", out.SchemaVersion, GateSchemaVersion)
	}
	return nil
}
