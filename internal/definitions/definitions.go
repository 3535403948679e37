// Package definitions loads aircraft variable mappings and mediates between
// the simulator connector and the wire: which variables are shared, which go
// on the unreliable channel, and how inbound state lands back in the sim.
package definitions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/evharten/skydeck/internal/sim"
)

// VarDef maps one simulator variable into the shared state.
type VarDef struct {
	// Name is the simulator variable name.
	Name string `yaml:"name"`
	// Unreliable routes high-frequency physics vars over the lossy
	// channel; everything else goes reliable.
	Unreliable bool `yaml:"unreliable,omitempty"`
}

// AircraftConfig is one aircraft's mapping file.
type AircraftConfig struct {
	Name string   `yaml:"name"`
	Vars []VarDef `yaml:"vars"`
	// ControlRequestVar, when it polls non-zero, means the user pressed
	// the in-sim control-request binding.
	ControlRequestVar string `yaml:"control_request_var,omitempty"`
}

// Definitions is the live mapping plus sync state. Owned by the app loop.
type Definitions struct {
	conn sim.Connector
	cfg  *AircraftConfig

	unreliable map[string]bool
	shared     map[string]bool

	transferRequested bool
}

// New wraps a simulator connector with no aircraft loaded yet.
func New(conn sim.Connector) *Definitions {
	return &Definitions{conn: conn}
}

// Load reads an aircraft mapping from a YAML file.
func (d *Definitions) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read aircraft config: %w", err)
	}
	return d.LoadFromBytes(raw)
}

// LoadFromBytes installs a mapping received over the wire (the host ships
// its config to every joiner so both ends share one view).
func (d *Definitions) LoadFromBytes(raw []byte) error {
	var cfg AircraftConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse aircraft config: %w", err)
	}
	if cfg.Name == "" {
		return fmt.Errorf("aircraft config has no name")
	}

	d.cfg = &cfg
	d.unreliable = make(map[string]bool, len(cfg.Vars))
	d.shared = make(map[string]bool, len(cfg.Vars))
	for _, v := range cfg.Vars {
		d.shared[v.Name] = true
		if v.Unreliable {
			d.unreliable[v.Name] = true
		}
	}
	return nil
}

// Bytes serializes the loaded mapping for an AircraftDefinition payload.
func (d *Definitions) Bytes() ([]byte, error) {
	if d.cfg == nil {
		return nil, fmt.Errorf("no aircraft loaded")
	}
	return yaml.Marshal(d.cfg)
}

// AircraftName returns the loaded aircraft's name, or "".
func (d *Definitions) AircraftName() string {
	if d.cfg == nil {
		return ""
	}
	return d.cfg.Name
}

// Snapshot reads every mapped variable, used to bring a freshly ready peer
// up to the full current state.
func (d *Definitions) Snapshot() ([]sim.VarUpdate, error) {
	if d.cfg == nil {
		return nil, nil
	}
	var all []sim.VarUpdate
	for _, v := range d.cfg.Vars {
		val, err := d.conn.Get(v.Name)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", v.Name, err)
		}
		all = append(all, sim.VarUpdate{Name: v.Name, Value: val})
	}
	return all, nil
}

// Sync polls the simulator and splits the changed shared variables by
// channel. Variables outside the mapping are dropped; the control-request
// trigger is consumed here and surfaced via ControlTransferRequested.
func (d *Definitions) Sync() (reliable, unreliable []sim.VarUpdate, err error) {
	if d.cfg == nil {
		return nil, nil, nil
	}
	changed, err := d.conn.Poll()
	if err != nil {
		return nil, nil, err
	}
	for _, u := range changed {
		if d.cfg.ControlRequestVar != "" && u.Name == d.cfg.ControlRequestVar {
			if u.Value != 0 {
				d.transferRequested = true
			}
			continue
		}
		if !d.shared[u.Name] {
			continue
		}
		if d.unreliable[u.Name] {
			unreliable = append(unreliable, u)
		} else {
			reliable = append(reliable, u)
		}
	}
	return reliable, unreliable, nil
}

// ClearSync discards pending simulator changes, used right after a control
// handover so stale local state never overwrites the new controller's.
func (d *Definitions) ClearSync() {
	if d.cfg == nil {
		return
	}
	d.conn.Poll()
}

// ControlTransferRequested reports whether the in-sim control binding fired
// since the last call, clearing the flag. One event per press.
func (d *Definitions) ControlTransferRequested() bool {
	requested := d.transferRequested
	d.transferRequested = false
	return requested
}

// SetFromPayload applies an inbound state blob to the simulator. Variables
// outside the loaded mapping are ignored.
func (d *Definitions) SetFromPayload(data []byte) error {
	if d.cfg == nil {
		return nil
	}
	updates, err := DecodeUpdates(data)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if !d.shared[u.Name] {
			continue
		}
		if err := d.conn.Set(u.Name, u.Value); err != nil {
			return fmt.Errorf("set %s: %w", u.Name, err)
		}
	}
	return nil
}

// EncodeUpdates serializes variable changes for an Update payload.
func EncodeUpdates(updates []sim.VarUpdate) ([]byte, error) {
	return json.Marshal(updates)
}

// DecodeUpdates parses an Update payload's data blob.
func DecodeUpdates(data []byte) ([]sim.VarUpdate, error) {
	var updates []sim.VarUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("decode state blob: %w", err)
	}
	return updates, nil
}

// ListAircraft returns the aircraft names available under dir, sorted, one
// per .yaml file.
func ListAircraft(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list aircraft configs: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// Path returns the file path for a named aircraft under dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".yaml")
}
