package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/bridgemq/bridgemq/pkg/job"
	"github.com/bridgemq/bridgemq/pkg/meshcache"
	"github.com/bridgemq/bridgemq/pkg/routing"
)

// Server statuses in the registry.
const (
	ServerOnline   = "online"
	ServerOffline  = "offline"
	ServerDraining = "draining"
)

// ServerInfo is a worker process registered in one or more meshes.
// The registry entry is TTL-bounded; absence means the server is dead.
type ServerInfo struct {
	ServerID     string
	Stack        string
	Capabilities []string
	MeshIDs      []string
	Region       string
	Resources    map[string]interface{}
	Metadata     map[string]interface{}
	Status       string
	CurrentLoad  int64
}

// MeshInfo is a tenant container. Meshes are auto-created on first server
// registration.
type MeshInfo struct {
	ID          string
	Name        string
	Description string
	CreatedAt   int64
	Members     []string
	Totals      map[string]int64
}

// RegisterServer writes the server entry, refreshes its TTL and auto-creates
// the meshes it joins. Registry writes do not touch the job/queue invariants,
// so a transactional pipeline is sufficient here.
func (c *Client) RegisterServer(ctx context.Context, s ServerInfo) error {
	now := job.UnixMilli(time.Now())
	resources, _ := json.Marshal(s.Resources)
	metadata, _ := json.Marshal(s.Metadata)
	status := s.Status
	if status == "" {
		status = ServerOnline
	}
	pipe := c.Redis.TxPipeline()
	pipe.HSet(ctx, c.Keys.Server(s.ServerID),
		"id", s.ServerID,
		"stack", s.Stack,
		"capabilities", strings.Join(s.Capabilities, ","),
		"mesh_ids", strings.Join(s.MeshIDs, ","),
		"region", s.Region,
		"resources", string(resources),
		"metadata", string(metadata),
		"status", status,
		"last_heartbeat", now,
		"current_load", s.CurrentLoad,
	)
	pipe.Expire(ctx, c.Keys.Server(s.ServerID), c.Options.ServerTTL)
	for _, meshID := range s.MeshIDs {
		pipe.HSetNX(ctx, c.Keys.Mesh(meshID), "id", meshID)
		pipe.HSetNX(ctx, c.Keys.Mesh(meshID), "name", meshID)
		pipe.HSetNX(ctx, c.Keys.Mesh(meshID), "created_at", now)
		pipe.SAdd(ctx, c.Keys.MeshMembers(meshID), s.ServerID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register server: %w", err)
	}
	return nil
}

// Heartbeat refreshes the server entry and its TTL.
func (c *Client) Heartbeat(ctx context.Context, serverID string, currentLoad int64) error {
	pipe := c.Redis.TxPipeline()
	pipe.HSet(ctx, c.Keys.Server(serverID),
		"last_heartbeat", job.UnixMilli(time.Now()),
		"current_load", currentLoad)
	pipe.Expire(ctx, c.Keys.Server(serverID), c.Options.ServerTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// DeregisterServer removes the server entry and its mesh memberships.
func (c *Client) DeregisterServer(ctx context.Context, serverID string, meshIDs []string) error {
	pipe := c.Redis.TxPipeline()
	pipe.Del(ctx, c.Keys.Server(serverID))
	for _, meshID := range meshIDs {
		pipe.SRem(ctx, c.Keys.MeshMembers(meshID), serverID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetServer reads a server registry entry.
func (c *Client) GetServer(ctx context.Context, serverID string) (*ServerInfo, error) {
	fields, err := c.Redis.HGetAll(ctx, c.Keys.Server(serverID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read server: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	s := &ServerInfo{
		ServerID:    fields["id"],
		Stack:       fields["stack"],
		Region:      fields["region"],
		Status:      fields["status"],
		CurrentLoad: cast.ToInt64(fields["current_load"]),
	}
	if caps := fields["capabilities"]; caps != "" {
		s.Capabilities = strings.Split(caps, ",")
	}
	if meshes := fields["mesh_ids"]; meshes != "" {
		s.MeshIDs = strings.Split(meshes, ",")
	}
	return s, nil
}

// EligibleServers lists the mesh members that qualify for a target.
// Members whose registry entry expired are skipped. A nil target matches
// every live member.
func (c *Client) EligibleServers(ctx context.Context, meshID string, t *job.Target) ([]ServerInfo, error) {
	members, err := c.Redis.SMembers(ctx, c.Keys.MeshMembers(meshID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mesh members: %w", err)
	}
	servers := make([]ServerInfo, 0, len(members))
	for _, serverID := range members {
		s, err := c.GetServer(ctx, serverID)
		if err != nil {
			return nil, err
		}
		if s == nil {
			continue
		}
		ok := routing.Match(t, routing.Worker{
			ServerID:     s.ServerID,
			Stack:        s.Stack,
			Capabilities: s.Capabilities,
			Region:       s.Region,
		})
		if ok {
			servers = append(servers, *s)
		}
	}
	return servers, nil
}

// WithMeshCache attaches a read-through cache used by GetMesh.
// When absent, every call hits the store.
func (c *Client) WithMeshCache(cache *meshcache.Cache) *Client {
	out := *c
	out.meshCache = cache
	return &out
}

// GetMesh reads a mesh record including its members and terminal counters.
func (c *Client) GetMesh(ctx context.Context, meshID string) (*MeshInfo, error) {
	if c.meshCache != nil {
		if v, ok := c.meshCache.Get(meshID); ok {
			return v.(*MeshInfo), nil
		}
	}
	fields, err := c.Redis.HGetAll(ctx, c.Keys.Mesh(meshID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mesh: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	members, err := c.Redis.SMembers(ctx, c.Keys.MeshMembers(meshID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mesh members: %w", err)
	}
	totals, err := c.Redis.HGetAll(ctx, c.Keys.MeshTotals(meshID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mesh totals: %w", err)
	}
	m := &MeshInfo{
		ID:          fields["id"],
		Name:        fields["name"],
		Description: fields["description"],
		CreatedAt:   cast.ToInt64(fields["created_at"]),
		Members:     members,
		Totals:      make(map[string]int64, len(totals)),
	}
	for k, v := range totals {
		m.Totals[k] = cast.ToInt64(v)
	}
	if c.meshCache != nil {
		c.meshCache.Add(meshID, m)
	}
	return m, nil
}
