package cluster

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("cluster")

// Node is one storage host of the cluster. ID is the symbolic name that is
// recorded in the key directory, Addr is the host part of a backend address.
type Node struct {
	ID   string `yaml:"id" json:"id"`
	Addr string `yaml:"addr" json:"addr"`
}

// Registry is the static, ordered list of nodes. The order is significant,
// partitions are assigned to nodes in registry order.
type Registry struct {
	nodes []Node
	index map[string]int
}

// NewRegistry validates the nodes and builds a registry
func NewRegistry(nodes []Node) (*Registry, error) {
	if len(nodes) == 0 {
		return nil, errors.New("cluster needs at least one node")
	}

	r := &Registry{
		nodes: make([]Node, 0, len(nodes)),
		index: make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		n.ID = strings.TrimSpace(n.ID)
		n.Addr = strings.TrimSpace(n.Addr)
		if n.ID == "" || n.Addr == "" {
			return nil, fmt.Errorf("invalid node %q=%q: id and address are required", n.ID, n.Addr)
		}
		if _, ok := r.index[n.ID]; ok {
			return nil, fmt.Errorf("duplicate node id %s", n.ID)
		}
		r.index[n.ID] = len(r.nodes)
		r.nodes = append(r.nodes, n)
	}
	return r, nil
}

// ParseMembers parses a comma-separated list in the format 'node0=addr0,node1=addr1'
func ParseMembers(members string) (*Registry, error) {
	var nodes []Node
	for _, member := range strings.Split(members, ",") {
		if strings.TrimSpace(member) == "" {
			continue
		}
		parts := strings.SplitN(member, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid node format: %s (expected ID=address)", member)
		}
		nodes = append(nodes, Node{ID: parts[0], Addr: parts[1]})
	}
	return NewRegistry(nodes)
}

// registryFile is the layout of a nodes file
type registryFile struct {
	Nodes []Node `yaml:"nodes"`
}

// LoadFile reads the node list from a YAML file:
//
//	nodes:
//	  - id: node0
//	    addr: /var/lib/dshard/node0
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read nodes file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse nodes file %s: %w", path, err)
	}

	Logger.Debugf("loaded %d nodes from %s", len(file.Nodes), path)
	return NewRegistry(file.Nodes)
}

// Nodes returns a copy of the nodes in registry order
func (r *Registry) Nodes() []Node {
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// IDs returns the node ids in registry order
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.nodes))
	for i, n := range r.nodes {
		ids[i] = n.ID
	}
	return ids
}

// Lookup returns the node with the given id
func (r *Registry) Lookup(id string) (Node, bool) {
	i, ok := r.index[id]
	if !ok {
		return Node{}, false
	}
	return r.nodes[i], true
}

// UnknownNodeError is returned when a node id is not part of the registry
type UnknownNodeError struct {
	Node string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node %s", e.Node)
}

// Subset returns a registry containing only the given ids, in registry order
func (r *Registry) Subset(ids []string) (*Registry, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := r.index[id]; !ok {
			return nil, &UnknownNodeError{Node: id}
		}
		want[id] = true
	}

	var nodes []Node
	for _, n := range r.nodes {
		if want[n.ID] {
			nodes = append(nodes, n)
		}
	}
	return NewRegistry(nodes)
}

func (r *Registry) Len() int {
	return len(r.nodes)
}

// String returns the registry in the same format ParseMembers accepts
func (r *Registry) String() string {
	parts := make([]string, len(r.nodes))
	for i, n := range r.nodes {
		parts[i] = n.ID + "=" + n.Addr
	}
	return strings.Join(parts, ",")
}

// SortedIDs returns the ids in lexical order, used for stable report output
func (r *Registry) SortedIDs() []string {
	ids := r.IDs()
	sort.Strings(ids)
	return ids
}
