package pgstore

import (
	"os"
	"strconv"

	"github.com/protocolbuffers/txtpbfmt/ast"
	"github.com/protocolbuffers/txtpbfmt/parser"
	"golang.org/x/xerrors"
)

// Credentials is the subset of a db_config_path file the store needs to
// build a connection string. The file is a small textproto-shaped
// stanza, e.g.:
//
//	host: "localhost"
//	port: 5432
//	user: "moduli"
//	password: "hunter2"
//	sslmode: "disable"
type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
	SSLMode  string
}

// ReadCredentials parses path as an AST, the same way
// checkupstream.Check reads build.textproto: no generated struct, just
// ast.GetFromPath lookups against the parsed node list.
func ReadCredentials(path string) (Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, xerrors.Errorf("reading db config %s: %w", path, err)
	}
	nodes, err := parser.Parse(b)
	if err != nil {
		return Credentials{}, xerrors.Errorf("parsing db config %s: %w", path, err)
	}

	stringVal := func(key string, required bool) (string, error) {
		found := ast.GetFromPath(nodes, []string{key})
		if len(found) == 0 {
			if required {
				return "", xerrors.Errorf("db config %s: missing required key %q", path, key)
			}
			return "", nil
		}
		if len(found) != 1 || len(found[0].Values) != 1 {
			return "", xerrors.Errorf("db config %s: malformed key %q", path, key)
		}
		return strconv.Unquote(found[0].Values[0].Value)
	}
	intVal := func(key string, def int) (int, error) {
		found := ast.GetFromPath(nodes, []string{key})
		if len(found) == 0 {
			return def, nil
		}
		if len(found) != 1 || len(found[0].Values) != 1 {
			return 0, xerrors.Errorf("db config %s: malformed key %q", path, key)
		}
		return strconv.Atoi(found[0].Values[0].Value)
	}

	host, err := stringVal("host", true)
	if err != nil {
		return Credentials{}, err
	}
	user, err := stringVal("user", true)
	if err != nil {
		return Credentials{}, err
	}
	password, err := stringVal("password", false)
	if err != nil {
		return Credentials{}, err
	}
	sslmode, err := stringVal("sslmode", false)
	if err != nil {
		return Credentials{}, err
	}
	if sslmode == "" {
		sslmode = "disable"
	}
	port, err := intVal("port", 5432)
	if err != nil {
		return Credentials{}, xerrors.Errorf("db config %s: %w", path, err)
	}

	return Credentials{Host: host, Port: port, User: user, Password: password, SSLMode: sslmode}, nil
}
