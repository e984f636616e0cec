// Package osw drives optical switch modules in an Apex AP1000 mainframe.
//
// A module is addressed by its slot. Its type, read from the slot
// identity, decides the command set: NX2 modules (1x2 and 2x2) toggle
// between straight and crossed, 1X4 and 1X8 modules select one output.
package osw

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gotmc/labinst"
)

// DefaultPort is the AP1000 control port.
const DefaultPort = 5900

// MaxSlot is the highest slot of the mainframe.
const MaxSlot = 8

// Kind is the switch type of a module.
type Kind int

// Module kinds.
const (
	NX2 Kind = iota
	OneX4
	OneX8
)

var kindDesc = map[Kind]string{
	NX2:   "NX2",
	OneX4: "1X4",
	OneX8: "1X8",
}

func (k Kind) String() string {
	if d, ok := kindDesc[k]; ok {
		return d
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Ports returns the number of selectable paths: 2 for NX2 (straight and
// crossed), 4 or 8 otherwise.
func (k Kind) Ports() int {
	switch k {
	case OneX4:
		return 4
	case OneX8:
		return 8
	}
	return 2
}

// ParseKind extracts the module type from a slot identity such as
// "APEX/AP3364A/OSW-SM-FC-1X4/1.0": the fourth dash separated field of
// the third slash separated field.
func ParseKind(id string) (Kind, error) {
	fail := func(reason string) (Kind, error) {
		return 0, &labinst.ProtocolError{Command: "IDN?", Raw: []byte(id), Reason: reason}
	}
	parts := strings.Split(strings.TrimSpace(id), "/")
	if len(parts) < 3 {
		return fail("slot identity has no model field")
	}
	fields := strings.Split(parts[2], "-")
	if len(fields) < 4 {
		return fail("slot model has no configuration field")
	}
	cfg := strings.ToLower(fields[3])
	switch {
	case strings.Contains(cfg, "x2"):
		return NX2, nil
	case strings.Contains(cfg, "4"):
		return OneX4, nil
	case strings.Contains(cfg, "8"):
		return OneX8, nil
	}
	return fail("module is not an optical switch")
}

// Switch is one switch module.
type Switch struct {
	s    *labinst.Session
	slot int
	kind Kind
}

// New identifies the module in slot and returns it.
func New(ctx context.Context, s *labinst.Session, slot int) (*Switch, error) {
	if slot < 1 || slot > MaxSlot {
		return nil, &labinst.ValidationError{Param: "slot", Value: slot, Reason: fmt.Sprintf("outside 1..%d", MaxSlot)}
	}
	sw := &Switch{s: s, slot: slot}
	cmd := fmt.Sprintf("SLT[%02d]:IDN?", slot)
	id, err := s.QueryString(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if sw.kind, err = ParseKind(id); err != nil {
		var pe *labinst.ProtocolError
		if errors.As(err, &pe) {
			pe.Command = cmd
		}
		return nil, err
	}
	return sw, nil
}

// Slot returns the module's slot.
func (sw *Switch) Slot() int { return sw.slot }

// Kind returns the module type.
func (sw *Switch) Kind() Kind { return sw.kind }

// clamp maps a requested path onto one the module has. NX2 modules take 1
// as crossed and anything else as straight (0); the others clamp to
// 1..Ports.
func (sw *Switch) clamp(path int) int {
	if sw.kind == NX2 {
		if path == 1 {
			return 1
		}
		return 0
	}
	return max(1, min(path, sw.kind.Ports()))
}

// PathByName resolves a path name: "crossed" and "straight" for NX2
// modules, the output letter A-D or A-H otherwise. Unknown names select
// straight or output A.
func (sw *Switch) PathByName(name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	if sw.kind == NX2 {
		if name == "crossed" {
			return 1
		}
		return 0
	}
	if len(name) == 1 && name[0] >= 'a' && int(name[0]-'a') < sw.kind.Ports() {
		return int(name[0]-'a') + 1
	}
	return 1
}

func (sw *Switch) setCommand(path int) string {
	switch sw.kind {
	case OneX4:
		return fmt.Sprintf("SWx4x8[%02d]:OUTx4%d", sw.slot, path)
	case OneX8:
		return fmt.Sprintf("SWx4x8[%02d]:OUTx8%d", sw.slot, path)
	}
	return fmt.Sprintf("SWI[%02d]:CONF%d", sw.slot, path)
}

func (sw *Switch) getCommand() string {
	switch sw.kind {
	case OneX4:
		return fmt.Sprintf("SWx4x8[%02d]:GETx4?", sw.slot)
	case OneX8:
		return fmt.Sprintf("SWx4x8[%02d]:GETx8?", sw.slot)
	}
	return fmt.Sprintf("SWI[%02d]:CONF?", sw.slot)
}

// SetPath selects path after clamping it to the module and returns the
// path actually selected.
func (sw *Switch) SetPath(ctx context.Context, path int) (int, error) {
	path = sw.clamp(path)
	return path, sw.s.Command(ctx, "%s", sw.setCommand(path))
}

// SetPathName is SetPath with a name resolved by PathByName.
func (sw *Switch) SetPathName(ctx context.Context, name string) (int, error) {
	return sw.SetPath(ctx, sw.PathByName(name))
}

// SetCrossed sets an NX2 module crossed or straight.
func (sw *Switch) SetCrossed(ctx context.Context, crossed bool) (int, error) {
	if crossed {
		return sw.SetPath(ctx, 1)
	}
	return sw.SetPath(ctx, 0)
}

// Path reads the selected path. 1X4 and 1X8 modules prefix the number
// with the output name, which is skipped.
func (sw *Switch) Path(ctx context.Context) (int, error) {
	cmd := sw.getCommand()
	r, err := sw.s.QueryString(ctx, cmd)
	if err != nil {
		return 0, err
	}
	i := len(r)
	for i > 0 && r[i-1] >= '0' && r[i-1] <= '9' {
		i--
	}
	p, err := strconv.Atoi(r[i:])
	if err != nil {
		return 0, &labinst.ProtocolError{Command: cmd, Raw: []byte(r), Reason: "no path number", Err: err}
	}
	return p, nil
}
