// Package mesh resolves the overlay network address a node is reachable on.
package mesh

import (
	"context"
	"fmt"

	"github.com/narvanalabs/hubfleet/internal/models"
)

// Resolver returns the mesh address for a node.
type Resolver interface {
	Resolve(ctx context.Context, node *models.EdgeNode) (string, error)
}

// StaticResolver returns the address the node registered with.
type StaticResolver struct{}

// NewStaticResolver creates a StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{}
}

// Resolve returns node.MeshAddress.
func (StaticResolver) Resolve(ctx context.Context, node *models.EdgeNode) (string, error) {
	if node == nil {
		return "", fmt.Errorf("resolving mesh address: nil node")
	}
	if node.MeshAddress == "" {
		return "", fmt.Errorf("node %s has no mesh address", node.ID)
	}
	return node.MeshAddress, nil
}
