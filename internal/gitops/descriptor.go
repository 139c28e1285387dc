package gitops

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/hubfleet/internal/models"
)

const (
	labelNodeID       = "hubfleet.io/node-id"
	labelTier         = "hubfleet.io/tier"
	labelDeploymentID = "hubfleet.io/deployment-id"
	annotRollbackOf   = "hubfleet.io/rollback-of"
	annotPackageRef   = "hubfleet.io/package-ref"
)

// packageRefPattern accepts refs like "hub-core@1.4.2" or "bundles/access-control@2026.02".
var packageRefPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._/-]*(@[A-Za-z0-9._+-]+)?$`)

// DescriptorConfig holds the repository settings written into every descriptor.
type DescriptorConfig struct {
	RepoURL        string
	TargetRevision string
	Namespace      string
	Project        string
}

// DefaultDescriptorConfig returns the settings used when none are configured.
func DefaultDescriptorConfig() DescriptorConfig {
	return DescriptorConfig{
		RepoURL:        "https://git.example.internal/fleet/packages.git",
		TargetRevision: "main",
		Namespace:      "hub-services",
		Project:        "hub-fleet",
	}
}

// Descriptor is the desired-state document committed for one deployment.
// It renders as a continuous-delivery Application manifest.
type Descriptor struct {
	APIVersion string             `yaml:"apiVersion"`
	Kind       string             `yaml:"kind"`
	Metadata   DescriptorMetadata `yaml:"metadata"`
	Spec       ApplicationSpec    `yaml:"spec"`

	// FilePath is where the manifest lives in the fleet repository.
	FilePath     string `yaml:"-"`
	NodeID       string `yaml:"-"`
	DeploymentID string `yaml:"-"`
}

// DescriptorMetadata identifies the Application.
type DescriptorMetadata struct {
	Name        string            `yaml:"name"`
	Namespace   string            `yaml:"namespace"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
}

// ApplicationSpec says what to deploy and where.
type ApplicationSpec struct {
	Project     string      `yaml:"project"`
	Source      Source      `yaml:"source"`
	Destination Destination `yaml:"destination"`
	SyncPolicy  SyncPolicy  `yaml:"syncPolicy"`
}

// Source points at the service package in the fleet repository.
type Source struct {
	RepoURL        string `yaml:"repoURL"`
	TargetRevision string `yaml:"targetRevision"`
	Path           string `yaml:"path"`
}

// Destination is the node's cluster API reached over the mesh.
type Destination struct {
	Server    string `yaml:"server"`
	Namespace string `yaml:"namespace"`
}

// SyncPolicy controls automated reconciliation.
type SyncPolicy struct {
	Automated   *AutomatedSync `yaml:"automated,omitempty"`
	SyncOptions []string       `yaml:"syncOptions,omitempty"`
}

// AutomatedSync enables automatic sync.
type AutomatedSync struct {
	Prune    bool `yaml:"prune"`
	SelfHeal bool `yaml:"selfHeal"`
}

// BuildDescriptor generates the descriptor that deploys dep onto node at meshAddress.
func BuildDescriptor(cfg DescriptorConfig, node *models.EdgeNode, dep *models.FleetDeployment, meshAddress string) (*Descriptor, error) {
	if node == nil || dep == nil {
		return nil, fmt.Errorf("node and deployment are required")
	}
	if meshAddress == "" {
		return nil, fmt.Errorf("node %s has no mesh address", node.ID)
	}
	if !packageRefPattern.MatchString(dep.ServicePackageRef) || strings.Contains(dep.ServicePackageRef, "..") {
		return nil, fmt.Errorf("invalid service package ref %q", dep.ServicePackageRef)
	}

	pkgPath, version := splitPackageRef(dep.ServicePackageRef)
	revision := cfg.TargetRevision
	if version != "" {
		revision = version
	}

	annotations := map[string]string{annotPackageRef: dep.ServicePackageRef}
	if dep.RollbackOf != nil {
		annotations[annotRollbackOf] = *dep.RollbackOf
	}

	var automated *AutomatedSync
	if node.AutoUpdateEnabled {
		automated = &AutomatedSync{Prune: true, SelfHeal: true}
	}

	return &Descriptor{
		APIVersion: "argoproj.io/v1alpha1",
		Kind:       "Application",
		Metadata: DescriptorMetadata{
			Name:      applicationName(node, pkgPath),
			Namespace: "argocd",
			Labels: map[string]string{
				labelNodeID:       node.ID,
				labelTier:         node.Tier.String(),
				labelDeploymentID: dep.ID,
			},
			Annotations: annotations,
		},
		Spec: ApplicationSpec{
			Project: cfg.Project,
			Source: Source{
				RepoURL:        cfg.RepoURL,
				TargetRevision: revision,
				Path:           path.Join("packages", pkgPath),
			},
			Destination: Destination{
				Server:    "https://" + meshAddress + ":6443",
				Namespace: cfg.Namespace,
			},
			SyncPolicy: SyncPolicy{
				Automated:   automated,
				SyncOptions: []string{"CreateNamespace=true"},
			},
		},
		FilePath:     path.Join("nodes", node.ID, "application.yaml"),
		NodeID:       node.ID,
		DeploymentID: dep.ID,
	}, nil
}

// Render returns the YAML manifest.
func (d *Descriptor) Render() ([]byte, error) {
	out, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("rendering descriptor: %w", err)
	}
	return out, nil
}

func splitPackageRef(ref string) (pkgPath, version string) {
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

func applicationName(node *models.EdgeNode, pkgPath string) string {
	name := strings.NewReplacer("/", "-", ".", "-", "_", "-").Replace(pkgPath)
	id := node.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return name + "-" + id
}
