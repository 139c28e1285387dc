package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/narvanalabs/hubfleet/internal/models"
)

// DefaultKeyPrefix is where the mesh membership service publishes node addresses.
const DefaultKeyPrefix = "/hubfleet/v1/mesh/"

// leaseTTL bounds how long a published address outlives its publisher, in seconds.
const leaseTTL = 60

// Membership is the record stored under <prefix><nodeID>.
type Membership struct {
	Address   string    `json:"address"`
	Hostname  string    `json:"hostname,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// kv is the subset of the etcd client the resolver needs.
type kv interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
}

type leaser interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
}

// EtcdResolver reads live mesh addresses from etcd and falls back to the
// registered address when no membership record exists or etcd is unavailable.
type EtcdResolver struct {
	client   *clientv3.Client
	kv       kv
	lease    leaser
	prefix   string
	timeout  time.Duration
	fallback Resolver
	logger   *slog.Logger
}

// EtcdConfig configures NewEtcdResolver.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	KeyPrefix   string
}

// NewEtcdResolver dials etcd at cfg.Endpoints. The caller must call Close.
func NewEtcdResolver(cfg EtcdConfig, logger *slog.Logger) (*EtcdResolver, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	r := newEtcdResolver(client, cfg.KeyPrefix, cfg.DialTimeout, logger)
	r.client = client
	r.lease = client
	return r, nil
}

func newEtcdResolver(store kv, prefix string, timeout time.Duration, logger *slog.Logger) *EtcdResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdResolver{
		kv:       store,
		prefix:   prefix,
		timeout:  timeout,
		fallback: StaticResolver{},
		logger:   logger,
	}
}

// Resolve returns the address published for node, or its registered address.
func (r *EtcdResolver) Resolve(ctx context.Context, node *models.EdgeNode) (string, error) {
	if node == nil {
		return "", fmt.Errorf("resolving mesh address: nil node")
	}

	m, found, err := r.lookup(ctx, node.ID)
	if err != nil {
		r.logger.Warn("mesh lookup failed, using registered address",
			"node_id", node.ID,
			"error", err,
		)
		return r.fallback.Resolve(ctx, node)
	}
	if !found || m.Address == "" {
		return r.fallback.Resolve(ctx, node)
	}
	if m.Address != node.MeshAddress {
		r.logger.Debug("mesh address differs from registration",
			"node_id", node.ID,
			"registered", node.MeshAddress,
			"published", m.Address,
		)
	}
	return m.Address, nil
}

func (r *EtcdResolver) lookup(ctx context.Context, nodeID string) (*Membership, bool, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	k := r.key(nodeID)
	resp, err := r.kv.Get(ctx, k)
	if err != nil {
		return nil, false, fmt.Errorf("etcd get %q: %w", k, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	var m Membership
	if err := json.Unmarshal(resp.Kvs[0].Value, &m); err != nil {
		return nil, false, fmt.Errorf("unmarshal %q: %w", k, err)
	}
	return &m, true, nil
}

// Publish writes a membership record for nodeID under a lease so that it
// disappears when the publisher stops refreshing it.
func (r *EtcdResolver) Publish(ctx context.Context, nodeID string, m Membership) error {
	if r.lease == nil {
		return fmt.Errorf("publishing mesh address: resolver has no lease client")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	grant, err := r.lease.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("etcd lease grant: %w", err)
	}
	k := r.key(nodeID)
	if _, err := r.kv.Put(ctx, k, string(data), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("etcd put %q: %w", k, err)
	}
	return nil
}

// Close releases the etcd connection.
func (r *EtcdResolver) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *EtcdResolver) key(nodeID string) string {
	return r.prefix + nodeID
}
