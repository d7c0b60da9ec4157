// Package molcfg builds the worker's immutable, read-mostly configuration
// struct once at startup from CLI flags and environment variables, and
// shares it by pointer thereafter. Nothing in Config is mutated after Init
// returns, the same discipline the teacher's cmn.Rom / cmn.Config pair
// follows: parse once, hand out a read-only view everywhere else.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package molcfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
)

// Runtime selects the dispatcher's execution model (see dispatch package).
type Runtime string

const (
	RuntimeSync  Runtime = "sync"
	RuntimeAsync Runtime = "async"
)

// Capability names gated by §4.6 of the specification.
const (
	CapDBRead     = "db.read"
	CapDBWrite    = "db.write"
	CapNetOutbound = "net.outbound"
	CapFSRead     = "fs.read"
	CapFSWrite    = "fs.write"
)

// DBAliasConfig holds the per-alias connection pool tuning knobs of §3/§4.4.
type DBAliasConfig struct {
	Alias                 string
	DSN                    string
	Driver                 string // "postgres" | "sqlite"
	MinConns               int
	MaxConns               int
	MaxIdle                time.Duration
	ConnectTimeout         time.Duration
	QueryTimeout           time.Duration
	MaxWait                time.Duration
	HealthCheckInterval    time.Duration
	StatementCacheSize     int
	TLSRootCertPath        string
	ReadWrite              bool // SQLite only: set from MOLT_SQLITE_READWRITE; the SQLite dialer does not read it
}

// Config is the worker's full, immutable startup configuration.
type Config struct {
	// transport
	Stdio      bool
	SocketPath string
	MaxFrameBytes int

	// manifest / registry
	ExportsPath         string
	CompiledExportsPath string

	// dispatcher
	Runtime              Runtime
	Threads              int
	MaxQueue             int
	ServerDefaultTimeout time.Duration

	// DB subsystem
	MaxRows   int
	DBAliases map[string]DBAliasConfig

	// fake-db simulation (demo handlers / contract fixtures)
	FakeDBBaseLatency   time.Duration
	FakeDBPerRowDecode  time.Duration
	FakeDBPerRowCPUIter int

	// observability
	MetricsOutputPath string

	// capability grants, §4.6
	Capabilities map[string]bool

	// deterministic mode forbids implicit nondeterminism (time/random/net)
	// unless the matching capability is granted
	Deterministic bool
}

// HasCapability reports whether the host process granted cap to the worker.
func (c *Config) HasCapability(cap string) bool { return c.Capabilities[cap] }

// Init parses flags from args and layers environment variable overrides on
// top, returning a fully populated, ready-to-share Config. Init is called
// exactly once, at process startup.
func Init(args []string) (*Config, error) {
	fs := flag.NewFlagSet("molt-worker", flag.ContinueOnError)

	stdio := fs.Bool("stdio", true, "serve requests over stdin/stdout framing")
	socket := fs.String("socket", "", "serve requests over a Unix domain socket at PATH")
	exports := fs.String("exports", envOr("MOLT_EXPORTS_PATH", "./exports.json"), "path to the manifest file")
	compiled := fs.String("compiled-exports", envOr("MOLT_COMPILED_EXPORTS_PATH", ""), "path to the compiled-entries registry, if separate from --exports")
	threads := fs.Int("threads", envOrInt("MOLT_THREADS", 0), "sync runtime thread count (0 = NumCPU)")
	maxQueue := fs.Int("max-queue", envOrInt("MOLT_MAX_QUEUE", 256), "bounded inbound queue depth")
	runtime := fs.String("runtime", envOr("MOLT_RUNTIME", "sync"), "sync|async")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *socket != "" {
		*stdio = false
	}

	rt := Runtime(*runtime)
	if rt != RuntimeSync && rt != RuntimeAsync {
		return nil, fmt.Errorf("invalid --runtime %q: must be sync or async", *runtime)
	}

	nthreads := *threads
	if nthreads <= 0 {
		nthreads = numCPU()
	}

	cfg := &Config{
		Stdio:                *stdio,
		SocketPath:           *socket,
		MaxFrameBytes:        envOrInt("MOLT_MAX_FRAME_BYTES", 16<<20),
		ExportsPath:          *exports,
		CompiledExportsPath:  *compiled,
		Runtime:              rt,
		Threads:              nthreads,
		MaxQueue:             *maxQueue,
		ServerDefaultTimeout: time.Duration(envOrInt("MOLT_SERVER_DEFAULT_TIMEOUT_MS", 30000)) * time.Millisecond,
		MaxRows:              envOrInt("MOLT_MAX_ROWS", 10000),
		FakeDBBaseLatency:    time.Duration(envOrInt("MOLT_FAKEDB_BASE_LATENCY_MS", 0)) * time.Millisecond,
		FakeDBPerRowDecode:   time.Duration(envOrInt("MOLT_FAKEDB_PER_ROW_DECODE_US", 0)) * time.Microsecond,
		FakeDBPerRowCPUIter:  envOrInt("MOLT_FAKEDB_PER_ROW_CPU_ITERS", 0),
		MetricsOutputPath:    os.Getenv("MOLT_METRICS_OUTPUT_PATH"),
		Deterministic:        os.Getenv("MOLT_DETERMINISTIC") == "1",
		Capabilities:         parseCapabilities(),
		DBAliases:            parseDBAliases(),
	}
	return cfg, nil
}

func parseCapabilities() map[string]bool {
	caps := map[string]bool{}
	for _, name := range []string{CapDBRead, CapDBWrite, CapNetOutbound, CapFSRead, CapFSWrite} {
		env := "MOLT_CAP_" + envKey(name)
		if os.Getenv(env) == "1" {
			caps[name] = true
		}
	}
	return caps
}

func envKey(cap string) string {
	out := make([]byte, 0, len(cap))
	for i := 0; i < len(cap); i++ {
		c := cap[i]
		switch {
		case c == '.':
			out = append(out, '_')
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// parseDBAliases always ensures a "default" alias entry exists (even if
// empty) per §3, sets its DSN from MOLT_DB_DEFAULT_DSN, and adds a "sqlite"
// alias when MOLT_SQLITE_PATH is set. No other alias names are read from
// the environment.
func parseDBAliases() map[string]DBAliasConfig {
	aliases := map[string]DBAliasConfig{
		"default": defaultAliasConfig("default"),
	}
	if dsn := os.Getenv("MOLT_DB_DEFAULT_DSN"); dsn != "" {
		a := aliases["default"]
		a.DSN = dsn
		a.Driver = driverFor(dsn)
		aliases["default"] = a
	}
	if path := os.Getenv("MOLT_SQLITE_PATH"); path != "" {
		a := defaultAliasConfig("sqlite")
		a.Driver = "sqlite"
		a.DSN = path
		a.ReadWrite = os.Getenv("MOLT_SQLITE_READWRITE") == "1"
		aliases["sqlite"] = a
	}
	return aliases
}

func defaultAliasConfig(alias string) DBAliasConfig {
	return DBAliasConfig{
		Alias:               alias,
		Driver:              "postgres",
		MinConns:            envOrInt("MOLT_DB_MIN_CONNS", 1),
		MaxConns:            envOrInt("MOLT_DB_MAX_CONNS", 10),
		MaxIdle:             time.Duration(envOrInt("MOLT_DB_MAX_IDLE_MS", 60000)) * time.Millisecond,
		ConnectTimeout:      time.Duration(envOrInt("MOLT_DB_CONNECT_TIMEOUT_MS", 5000)) * time.Millisecond,
		QueryTimeout:        time.Duration(envOrInt("MOLT_DB_QUERY_TIMEOUT_MS", 30000)) * time.Millisecond,
		MaxWait:             time.Duration(envOrInt("MOLT_DB_MAX_WAIT_MS", 5000)) * time.Millisecond,
		HealthCheckInterval: time.Duration(envOrInt("MOLT_DB_HEALTH_CHECK_MS", 30000)) * time.Millisecond,
		StatementCacheSize:  envOrInt("MOLT_DB_STMT_CACHE_SIZE", 128),
		TLSRootCertPath:     os.Getenv("MOLT_DB_TLS_ROOT_CERT"),
	}
}

func driverFor(dsn string) string {
	if len(dsn) >= 7 && (dsn[:7] == "sqlite:" || dsn[:7] == "file://") {
		return "sqlite"
	}
	return "postgres"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
