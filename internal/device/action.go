package device

// Action is one member of the fixed catalog of dispatchable operations.
type Action string

const (
	ActionModeSwitch           Action = "mode-switch"
	ActionEnableDebugInterface Action = "enable-debug-interface"
	ActionAutomatedBypass      Action = "automated-bypass"
	ActionManualBypass         Action = "manual-bypass"
	ActionConnectionProbeA     Action = "connection-probe-A"
	ActionConnectionProbeB     Action = "connection-probe-B"
	ActionReverseTether        Action = "reverse-tether"
	ActionReverseHost          Action = "reverse-host"
	ActionReverseTCP           Action = "reverse-tcp"
	ActionUSBConnect           Action = "usb-connect"
)

// Interception toggles occupy a device the same way catalog actions do, so
// they get their own labels for the Running state. They are not dispatchable.
const (
	ActionInterceptionEnable  Action = "interception-enable"
	ActionInterceptionDisable Action = "interception-disable"
)

var catalog = []Action{
	ActionModeSwitch,
	ActionEnableDebugInterface,
	ActionAutomatedBypass,
	ActionManualBypass,
	ActionConnectionProbeA,
	ActionConnectionProbeB,
	ActionReverseTether,
	ActionReverseHost,
	ActionReverseTCP,
	ActionUSBConnect,
}

// Button ids used by the legacy operator panel.
var aliases = map[string]Action{
	"switchToModem":     ActionModeSwitch,
	"enableADB":         ActionEnableDebugInterface,
	"frpBypass":         ActionAutomatedBypass,
	"frp-bypass":        ActionAutomatedBypass,
	"manualFrpBypass":   ActionManualBypass,
	"manual-frp-bypass": ActionManualBypass,
	"checkPOC":          ActionConnectionProbeA,
	"checkZRXBox":       ActionConnectionProbeB,
	"reverseTethering":  ActionReverseTether,
	"reverseHost":       ActionReverseHost,
	"reverseTCP":        ActionReverseTCP,
	"usbConnection":     ActionUSBConnect,
}

// Catalog returns the dispatchable actions in display order.
func Catalog() []Action {
	out := make([]Action, len(catalog))
	copy(out, catalog)
	return out
}

// Valid reports whether a is a catalog action.
func (a Action) Valid() bool {
	for _, c := range catalog {
		if c == a {
			return true
		}
	}
	return false
}

// ParseAction resolves a catalog name or a legacy alias.
func ParseAction(name string) (Action, bool) {
	if a := Action(name); a.Valid() {
		return a, true
	}
	a, ok := aliases[name]
	return a, ok
}
