package util

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/migrate"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupConfigFlags adds the backend, node and transfer flags to a command
func SetupConfigFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	key := "engine"
	flags.String(key, "sqlite", WrapString("Backend engine of the master and the nodes (sqlite, postgres)"))

	key = "master-host"
	flags.String(key, "", WrapString("Host of the master. For sqlite this is a directory holding one <dataset>.db file per dataset, for postgres host[:port]"))

	key = "directory-dataset"
	flags.String(key, "key_master", WrapString("Dataset on the master that holds the key directory"))

	key = "user"
	flags.String(key, "", WrapString("Database user (postgres only)"))

	key = "password"
	flags.String(key, "", WrapString("Database password (postgres only)"))

	key = "sslmode"
	flags.String(key, "disable", WrapString("Postgres sslmode parameter"))

	key = "nodes"
	flags.String(key, "", WrapString("Comma-separated list of nodes in partition order, format 'node0=host0,node1=host1,...'"))

	key = "nodes-file"
	flags.String(key, "", WrapString("YAML file listing the nodes (nodes: [{id, addr}]), used if --nodes is empty"))

	key = "dump-dir"
	flags.String(key, "", WrapString("Directory for the intermediate dumps of a distribution (default: system temp dir)"))

	key = "keep-dumps"
	flags.Bool(key, false, WrapString("Keep the dumps after a distribution for debugging"))

	key = "codec"
	flags.String(key, "gob", WrapString("Encoding of the dumps (gob, json)"))

	key = "parallelism"
	flags.Int(key, 0, WrapString("Maximum number of nodes processed at the same time, 0 means all"))

	key = "connect-retries"
	flags.Uint64(key, 3, WrapString("How many times to retry opening a connection, 0 fails on the first error"))

	key = "retry-backoff-ms"
	flags.Int(key, 100, WrapString("Initial backoff in milliseconds between connection attempts, doubled on every retry"))

	key = "log-level"
	flags.String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dshard")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// PersistentPreRun binds the flags of the executed command and configures the
// loggers
func PersistentPreRun(cmd *cobra.Command) error {
	if err := BindCommandFlags(cmd); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

// GetConfig reads the configuration from viper and validates it
func GetConfig() (*common.Config, error) {
	nodes, err := getNodes()
	if err != nil {
		return nil, err
	}

	conf := &common.Config{
		Engine:           common.Engine(viper.GetString("engine")),
		MasterHost:       viper.GetString("master-host"),
		User:             viper.GetString("user"),
		Password:         viper.GetString("password"),
		PostgresSSL:      viper.GetString("sslmode"),
		DirectoryDataset: viper.GetString("directory-dataset"),
		Nodes:            nodes,
		DumpDir:          viper.GetString("dump-dir"),
		KeepDumps:        viper.GetBool("keep-dumps"),
		Codec:            viper.GetString("codec"),
		Parallelism:      viper.GetInt("parallelism"),
		ConnectRetries:   viper.GetUint64("connect-retries"),
		RetryBackoff:     time.Duration(viper.GetInt("retry-backoff-ms")) * time.Millisecond,
		Endpoint:         viper.GetString("endpoint"),
		LogLevel:         viper.GetString("log-level"),
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func getNodes() (*cluster.Registry, error) {
	if members := viper.GetString("nodes"); members != "" {
		return cluster.ParseMembers(members)
	}
	if file := viper.GetString("nodes-file"); file != "" {
		return cluster.LoadFile(file)
	}
	return nil, errors.New("no nodes configured, use --nodes or --nodes-file")
}

// Session bundles the configuration with a connection pool. Close releases
// all pooled connections.
type Session struct {
	Config *common.Config
	Dial   backend.Dialer
	Pool   *backend.Pool
}

// NewSession reads the configuration and creates the dialer and pool
func NewSession() (*Session, error) {
	conf, err := GetConfig()
	if err != nil {
		return nil, err
	}
	dial, err := conf.Dialer()
	if err != nil {
		return nil, err
	}
	return &Session{Config: conf, Dial: dial, Pool: backend.NewPool(dial)}, nil
}

func (s *Session) Close() error {
	return s.Pool.Close()
}

// Pipeline creates a migration pipeline that shares the session pool
func (s *Session) Pipeline() (*migrate.Pipeline, error) {
	pc, err := s.Config.PipelineConfig(s.Pool)
	if err != nil {
		return nil, err
	}
	return migrate.NewPipeline(pc)
}

// PrintJSON writes v as indented JSON
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// IsQuery reports whether a statement returns rows
func IsQuery(statement string) bool {
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH":
		return true
	}
	return false
}

// PrintRows writes the rows as an aligned table with a header line
func PrintRows(out io.Writer, rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(cols, "\t")))

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	fields := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range values {
			switch v := v.(type) {
			case nil:
				fields[i] = "NULL"
			case []byte:
				fields[i] = string(v)
			default:
				fields[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(w, strings.Join(fields, "\t"))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}
