package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/directory"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("router")

var (
	routeTotal  = metrics.NewCounter("dshard_route_total")
	routeSwaps  = metrics.NewCounter("dshard_route_swaps_total")
	routeErrors = metrics.NewCounter("dshard_route_errors_total")
)

// ErrNoKey is returned when a node is resolved before a key was selected
var ErrNoKey = errors.New("no key selected")

// UnknownNodeError is returned when the directory names a node that is not
// part of the configured cluster.
type UnknownNodeError struct {
	Node string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("node %s is not part of the cluster", e.Node)
}

// Config holds everything needed to route statements of one dataset
type Config struct {
	// Dataset is the logical dataset whose rows are routed. It is the dataset
	// name the key directory was registered under and the database name on
	// every node.
	Dataset string
	// Master is the address of the key directory dataset.
	Master backend.Address
	// Nodes maps node names found in the directory to hosts.
	Nodes *cluster.Registry
	// Dial opens connections to the master and the nodes.
	Dial backend.Dialer
}

// Router resolves key values to nodes and keeps at most one node connection
// open. Switching to another node closes the old connection before the new
// one is opened.
//
// Not thread-safe: a Router is owned by one caller
type Router struct {
	dataset string
	nodes   *cluster.Registry
	dial    backend.Dialer

	master *backend.Conn
	store  *directory.Store

	active     *backend.Conn
	activeNode string

	currentKey   string
	currentTable string
}

// New opens the master connection and prepares the directory store
func New(ctx context.Context, cfg Config) (*Router, error) {
	if cfg.Nodes == nil {
		return nil, errors.New("router needs a node registry")
	}

	master, err := cfg.Dial(ctx, cfg.Master)
	if err != nil {
		return nil, err
	}

	store, err := directory.NewStore(ctx, master)
	if err != nil {
		_ = master.Close()
		return nil, err
	}

	return &Router{
		dataset: cfg.Dataset,
		nodes:   cfg.Nodes,
		dial:    cfg.Dial,
		master:  master,
		store:   store,
	}, nil
}

// SetKey selects the key the following lookups are made for. The directory
// table is only looked up again when the key changes.
func (r *Router) SetKey(ctx context.Context, keyName string) error {
	if keyName == r.currentKey && r.currentTable != "" {
		return nil
	}

	entry, err := r.store.LookupDirectoryTable(ctx, r.dataset, keyName)
	if err != nil {
		return err
	}

	Logger.Debugf("key %s of %s uses directory %s", keyName, r.dataset, entry.DirectoryTable)
	r.currentKey = keyName
	r.currentTable = entry.DirectoryTable
	return nil
}

// ResolveNode returns the node owning keyValue for the selected key
func (r *Router) ResolveNode(ctx context.Context, keyValue int64) (string, error) {
	if r.currentTable == "" {
		return "", ErrNoKey
	}
	return r.store.ResolveOwner(ctx, r.currentTable, keyValue)
}

// Route returns a connection to the node owning keyValue of keyName. The
// active connection is reused when the node did not change, otherwise it is
// closed and a connection to the new node is opened.
func (r *Router) Route(ctx context.Context, keyName string, keyValue int64) (*backend.Conn, error) {
	routeTotal.Inc()
	conn, err := r.route(ctx, keyName, keyValue)
	if err != nil {
		routeErrors.Inc()
	}
	return conn, err
}

func (r *Router) route(ctx context.Context, keyName string, keyValue int64) (*backend.Conn, error) {
	if err := r.SetKey(ctx, keyName); err != nil {
		return nil, err
	}

	nodeName, err := r.ResolveNode(ctx, keyValue)
	if err != nil {
		return nil, err
	}

	if r.active != nil && nodeName == r.activeNode {
		return r.active, nil
	}

	node, ok := r.nodes.Lookup(nodeName)
	if !ok {
		return nil, &UnknownNodeError{Node: nodeName}
	}

	if r.active != nil {
		routeSwaps.Inc()
		Logger.Debugf("switching from %s to %s", r.activeNode, nodeName)
		if err := r.active.Close(); err != nil {
			Logger.Warningf("closing connection to %s: %v", r.activeNode, err)
		}
		r.active, r.activeNode = nil, ""
	}

	conn, err := r.dial(ctx, backend.Address{Host: node.Addr, Dataset: r.dataset})
	if err != nil {
		return nil, err
	}
	r.active, r.activeNode = conn, nodeName
	return conn, nil
}

// RouteToMaster returns the connection to the key directory dataset. It does
// not touch the active node connection.
func (r *Router) RouteToMaster() *backend.Conn {
	return r.master
}

// ActiveNode returns the node of the open node connection, or "" if none is open
func (r *Router) ActiveNode() string {
	return r.activeNode
}

// Store returns the directory store the router reads from
func (r *Router) Store() *directory.Store {
	return r.store
}

// Close closes the node connection and the master connection
func (r *Router) Close() error {
	var errs []error
	if r.active != nil {
		errs = append(errs, r.active.Close())
		r.active, r.activeNode = nil, ""
	}
	if r.master != nil {
		errs = append(errs, r.master.Close())
	}
	return errors.Join(errs...)
}
