package fleet

import (
	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/internal/models"
)

// checkDeployable enforces that node may receive GitOps deployments.
func checkDeployable(node *models.EdgeNode) error {
	if !node.Active {
		return fleeterr.Wrap(fleeterr.ErrNodeInactive, "node %s", node.ID)
	}
	if !models.CapabilitiesFor(node.Tier).Deployable {
		return fleeterr.Wrap(fleeterr.ErrTierNotDeployable, "node %s is %s", node.ID, node.Tier)
	}
	return nil
}

// checkCommand enforces that node accepts commands of type t.
func checkCommand(node *models.EdgeNode, t models.CommandType) error {
	if !t.IsValid() {
		return fleeterr.Wrap(fleeterr.ErrInvalidArgument, "unknown command type %q", t)
	}
	if !node.Active {
		return fleeterr.Wrap(fleeterr.ErrNodeInactive, "node %s", node.ID)
	}
	if !models.CapabilitiesFor(node.Tier).AllowsCommand(t) {
		return fleeterr.Wrap(fleeterr.ErrNodeNotEligible, "command %s on tier %s", t, node.Tier)
	}
	return nil
}
