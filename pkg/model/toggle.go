package model

// ToggleState is the egress toggle lifecycle. Exactly one state is active at
// a time; the two transitional states reject further toggle requests.
type ToggleState string

const (
	StateDisabled  ToggleState = "disabled"
	StateEnabling  ToggleState = "enabling"
	StateEnabled   ToggleState = "enabled"
	StateDisabling ToggleState = "disabling"
)

// Transitional reports whether the state is mid-toggle.
func (s ToggleState) Transitional() bool {
	return s == StateEnabling || s == StateDisabling
}
