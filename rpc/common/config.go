package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/backend/engines/postgres"
	"github.com/ValentinKolb/dShard/lib/backend/engines/sqlite"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/consistency"
	"github.com/ValentinKolb/dShard/lib/migrate"
	"github.com/ValentinKolb/dShard/lib/router"
	"github.com/ValentinKolb/dShard/lib/transfer"
)

// Engine selects the backend dialect
type Engine string

const (
	EngineSQLite   Engine = "sqlite"
	EnginePostgres Engine = "postgres"
)

// --------------------------------------------------------------------------
// Configuration struct
// --------------------------------------------------------------------------

// Config holds everything needed to reach the master and the nodes
type Config struct {
	// Backend
	Engine      Engine
	MasterHost  string
	User        string
	Password    string
	PostgresSSL string

	// Key directory
	DirectoryDataset string

	// Nodes in partition order
	Nodes *cluster.Registry

	// Transfer
	DumpDir     string
	KeepDumps   bool
	Codec       string
	Parallelism int

	// Connection retry
	ConnectRetries uint64
	RetryBackoff   time.Duration

	// HTTP api settings
	Endpoint string

	// Logging configuration
	LogLevel string
}

// Validate checks the fields every command depends on
func (c *Config) Validate() error {
	var errs []error
	if c.Engine != EngineSQLite && c.Engine != EnginePostgres {
		errs = append(errs, fmt.Errorf("invalid engine %q, must be one of sqlite, postgres", c.Engine))
	}
	if c.MasterHost == "" {
		errs = append(errs, errors.New("master host is required"))
	}
	if c.Nodes == nil || c.Nodes.Len() == 0 {
		errs = append(errs, errors.New("at least one node is required"))
	}
	if _, err := transfer.NewCodec(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Component wiring
// --------------------------------------------------------------------------

// Dialect returns the dialect of the configured engine
func (c *Config) Dialect() (backend.Dialect, error) {
	switch c.Engine {
	case EngineSQLite:
		return sqlite.NewDialect(), nil
	case EnginePostgres:
		return postgres.NewDialect(c.PostgresSSL), nil
	default:
		return nil, fmt.Errorf("invalid engine %q", c.Engine)
	}
}

// DialOptions returns the connection retry settings
func (c *Config) DialOptions() backend.DialOptions {
	return backend.DialOptions{Retries: c.ConnectRetries, Backoff: c.RetryBackoff}
}

// Dialer returns a dialer for the configured engine and credentials
func (c *Config) Dialer() (backend.Dialer, error) {
	dialect, err := c.Dialect()
	if err != nil {
		return nil, err
	}
	return backend.NewDialer(dialect, backend.Credentials{User: c.User, Password: c.Password}, c.DialOptions()), nil
}

// PipelineConfig returns the migration pipeline settings sharing pool
func (c *Config) PipelineConfig(pool *backend.Pool) (migrate.Config, error) {
	codec, err := transfer.NewCodec(c.Codec)
	if err != nil {
		return migrate.Config{}, err
	}
	return migrate.Config{
		MasterHost:       c.MasterHost,
		DirectoryDataset: c.DirectoryDataset,
		Nodes:            c.Nodes,
		Pool:             pool,
		Codec:            codec,
		Medium: func() (transfer.Medium, error) {
			return transfer.NewDirMedium(c.DumpDir, c.KeepDumps)
		},
		Parallelism: c.Parallelism,
	}, nil
}

// CheckerConfig returns the consistency checker settings sharing pool
func (c *Config) CheckerConfig(pool *backend.Pool) consistency.Config {
	return consistency.Config{
		MasterHost:       c.MasterHost,
		DirectoryDataset: c.DirectoryDataset,
		Nodes:            c.Nodes,
		Pool:             pool,
		Parallelism:      c.Parallelism,
	}
}

// RouterConfig returns the router settings for a dataset
func (c *Config) RouterConfig(dataset string, dial backend.Dialer) router.Config {
	return router.Config{
		Dataset: dataset,
		Master:  backend.Address{Host: c.MasterHost, Dataset: c.DirectoryDataset},
		Nodes:   c.Nodes,
		Dial:    dial,
	}
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Backend")
	addField("Engine", string(c.Engine))
	addField("Master Host", c.MasterHost)
	addField("User", c.User)
	if c.Password != "" {
		addField("Password", "********")
	}

	addSection("Key Directory")
	addField("Dataset", c.DirectoryDataset)

	addSection("Transfer")
	addField("Dump Directory", c.DumpDir)
	addField("Keep Dumps", strconv.FormatBool(c.KeepDumps))
	addField("Codec", c.Codec)
	addField("Parallelism", strconv.Itoa(c.Parallelism))
	addField("Connect Retries", strconv.FormatUint(c.ConnectRetries, 10))
	addField("Retry Backoff", c.RetryBackoff.String())

	if c.Endpoint != "" {
		addSection("HTTP API")
		addField("Endpoint", c.Endpoint)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Nodes")
	if c.Nodes != nil {
		for _, node := range c.Nodes.Nodes() {
			addField(node.ID, node.Addr)
		}
	}
	return sb.String()
}
