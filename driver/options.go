package driver

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/CaliLuke/go-cypherdb/graph"
)

// Mode selects where statements run and how transactions are bound.
type Mode int

const (
	// ModeEmbedded runs statements in-process against a graph.DB.
	ModeEmbedded Mode = iota
	// ModeServer sends each statement to the auto-commit endpoint of a
	// server. Every statement runs in its own transaction.
	ModeServer
	// ModeServerTx sends statements to a server and supports explicit
	// transactions when auto-commit is disabled.
	ModeServerTx
)

// String returns the DSN spelling of the mode.
func (m Mode) String() string {
	switch m {
	case ModeEmbedded:
		return "embedded"
	case ModeServer:
		return "server"
	case ModeServerTx:
		return "server-tx"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// SupportsManualCommit reports whether auto-commit may be disabled.
func (m Mode) SupportsManualCommit() bool {
	return m != ModeServer
}

// Options configures a connection.
type Options struct {
	Mode Mode

	// DB is an already open database for ModeEmbedded. The connection does
	// not close it.
	DB *graph.DB
	// Memory names a shared in-memory database for ModeEmbedded. Connections
	// opened with the same name see the same graph until the last of them
	// closes. An empty name gives each connection a private graph.
	Memory string
	// Path opens a sqlite-backed database for ModeEmbedded, shared by every
	// connection opened with the same path.
	Path string

	// URL is the server base address for ModeServer and ModeServerTx.
	URL string
	// HTTPClient is used for server modes; nil means http.DefaultClient.
	HTTPClient *http.Client

	ReadOnly bool
	// ManualCommit starts the connection with auto-commit disabled.
	ManualCommit bool
}

// ParseDSN parses a data source name:
//
//	mem:                          private in-memory graph
//	mem:<name>                    shared in-memory graph
//	file:<path>                   sqlite-backed graph
//	http://host:port              server, one transaction per statement
//	http://host:port?tx=explicit  server with explicit transactions
//
// Every form accepts the query options readonly=true|false and
// autocommit=true|false.
func ParseDSN(dsn string) (Options, error) {
	var opts Options
	body, query, _ := strings.Cut(dsn, "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		return opts, fmt.Errorf("driver: dsn %q: %w", dsn, err)
	}

	switch {
	case strings.HasPrefix(body, "mem:"):
		opts.Mode = ModeEmbedded
		opts.Memory = strings.TrimPrefix(body, "mem:")
	case strings.HasPrefix(body, "file:"):
		opts.Mode = ModeEmbedded
		opts.Path = strings.TrimPrefix(body, "file:")
		if opts.Path == "" {
			return opts, fmt.Errorf("driver: dsn %q: empty path", dsn)
		}
	case strings.HasPrefix(body, "http://"), strings.HasPrefix(body, "https://"):
		u, err := url.Parse(body)
		if err != nil || u.Host == "" {
			return opts, fmt.Errorf("driver: dsn %q: invalid server address", dsn)
		}
		opts.Mode = ModeServer
		opts.URL = strings.TrimSuffix(u.String(), "/")
		switch tx := values.Get("tx"); tx {
		case "", "auto":
		case "explicit":
			opts.Mode = ModeServerTx
		default:
			return opts, fmt.Errorf("driver: dsn %q: unknown tx mode %q", dsn, tx)
		}
	default:
		return opts, fmt.Errorf("driver: dsn %q: unknown scheme", dsn)
	}

	for key := range values {
		switch key {
		case "tx":
			if opts.Mode == ModeEmbedded {
				return opts, fmt.Errorf("driver: dsn %q: tx applies to server addresses only", dsn)
			}
		case "readonly":
			b, err := strconv.ParseBool(values.Get(key))
			if err != nil {
				return opts, fmt.Errorf("driver: dsn %q: readonly: %w", dsn, err)
			}
			opts.ReadOnly = b
		case "autocommit":
			b, err := strconv.ParseBool(values.Get(key))
			if err != nil {
				return opts, fmt.Errorf("driver: dsn %q: autocommit: %w", dsn, err)
			}
			opts.ManualCommit = !b
		default:
			return opts, fmt.Errorf("driver: dsn %q: unknown option %q", dsn, key)
		}
	}
	if opts.ManualCommit && !opts.Mode.SupportsManualCommit() {
		return opts, fmt.Errorf("driver: dsn %q: %w", dsn, ErrAutoCommitUnsupported)
	}
	return opts, nil
}
