// Package models provides data models for the hub fleet control plane.
package models

// Tier is a node's capability class relative to the central master.
type Tier string

const (
	// TierStandalone is a self-managed Tier 0 instance. Sync-only.
	TierStandalone Tier = "standalone"
	// TierProperty is a Tier 2 per-property Kubernetes stack.
	TierProperty Tier = "property"
	// TierResidential is a Tier 3 per-residence Kubernetes stack.
	TierResidential Tier = "residential"
)

// IsValid returns true if the tier is one of the known tiers.
func (t Tier) IsValid() bool {
	_, ok := tierCapabilities[t]
	return ok
}

// String returns the string representation of the tier.
func (t Tier) String() string {
	return string(t)
}

// ValidTiers returns all known tiers.
func ValidTiers() []Tier {
	return []Tier{TierStandalone, TierProperty, TierResidential}
}

// Capabilities is the fixed record of what a tier is allowed to do.
type Capabilities struct {
	// ManagedByMaster is the only permitted value of EdgeNode.ManagedByMaster.
	ManagedByMaster bool
	// AutoUpdateAllowed is false when AutoUpdateEnabled must stay false.
	AutoUpdateAllowed bool
	// AutoUpdateDefault is applied when the caller does not choose.
	AutoUpdateDefault bool
	// Deployable marks the tier as a GitOps deployment target.
	Deployable bool
	// Commands lists the command types the tier accepts.
	Commands map[CommandType]bool
}

// AllowsCommand reports whether the tier accepts the given command type.
func (c Capabilities) AllowsCommand(t CommandType) bool {
	return c.Commands[t]
}

var managedCommands = map[CommandType]bool{
	CommandResync:           true,
	CommandReportStatus:     true,
	CommandRestart:          true,
	CommandComponentInstall: true,
	CommandComponentRemove:  true,
	CommandDeploy:           true,
	CommandFactoryReset:     true,
}

var tierCapabilities = map[Tier]Capabilities{
	TierStandalone: {
		ManagedByMaster:   false,
		AutoUpdateAllowed: false,
		AutoUpdateDefault: false,
		Deployable:        false,
		Commands: map[CommandType]bool{
			CommandResync:       true,
			CommandReportStatus: true,
		},
	},
	TierProperty: {
		ManagedByMaster:   true,
		AutoUpdateAllowed: true,
		AutoUpdateDefault: true,
		Deployable:        true,
		Commands:          managedCommands,
	},
	TierResidential: {
		ManagedByMaster:   true,
		AutoUpdateAllowed: true,
		AutoUpdateDefault: true,
		Deployable:        true,
		Commands:          managedCommands,
	},
}

// CapabilitiesFor returns the capability record for a tier.
// Unknown tiers get the zero value, which allows nothing.
func CapabilitiesFor(t Tier) Capabilities {
	return tierCapabilities[t]
}
