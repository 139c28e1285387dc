// Package gitopstest provides an in-memory DeliveryController for tests.
package gitopstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/narvanalabs/hubfleet/internal/gitops"
)

// Controller records submitted descriptors and serves scripted rollout statuses.
// Commits start out unknown until a status is set.
type Controller struct {
	mu        sync.Mutex
	seq       int
	submitErr error
	statusErr error
	statuses  map[string]gitops.RolloutStatus
	byDeploy  map[string]string
	submitted []*gitops.Descriptor
	polls     map[string]int
}

// New creates an empty Controller.
func New() *Controller {
	return &Controller{
		statuses: make(map[string]gitops.RolloutStatus),
		byDeploy: make(map[string]string),
		polls:    make(map[string]int),
	}
}

// SubmitDescriptor records d and returns a new commit sha.
func (c *Controller) SubmitDescriptor(ctx context.Context, d *gitops.Descriptor) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.submitErr != nil {
		return "", c.submitErr
	}
	if _, err := d.Render(); err != nil {
		return "", err
	}
	c.seq++
	sha := fmt.Sprintf("%040x", c.seq)
	c.submitted = append(c.submitted, d)
	c.byDeploy[d.DeploymentID] = sha
	c.statuses[sha] = gitops.RolloutUnknown
	return sha, nil
}

// GetStatus returns the scripted status for commitRef.
func (c *Controller) GetStatus(ctx context.Context, commitRef string) (gitops.RolloutStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.polls[commitRef]++
	if c.statusErr != nil {
		return "", c.statusErr
	}
	st, ok := c.statuses[commitRef]
	if !ok {
		return gitops.RolloutUnknown, nil
	}
	return st, nil
}

// SetStatus scripts the status returned for commitRef.
func (c *Controller) SetStatus(commitRef string, st gitops.RolloutStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[commitRef] = st
}

// SetDeploymentStatus scripts the status of the commit made for deploymentID.
func (c *Controller) SetDeploymentStatus(deploymentID string, st gitops.RolloutStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sha, ok := c.byDeploy[deploymentID]; ok {
		c.statuses[sha] = st
	}
}

// FailSubmits makes every SubmitDescriptor call return err. nil restores success.
func (c *Controller) FailSubmits(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

// FailStatus makes every GetStatus call return err. nil restores success.
func (c *Controller) FailStatus(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusErr = err
}

// Submitted returns the descriptors submitted so far.
func (c *Controller) Submitted() []*gitops.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*gitops.Descriptor(nil), c.submitted...)
}

// Polls returns how many times commitRef was polled.
func (c *Controller) Polls(commitRef string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls[commitRef]
}
