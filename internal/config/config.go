// Package config defines the configuration surface the core consumes
// (spec §6). Loading it from a file or flags is an external
// collaborator's job, not this package's: Config is a plain value type
// plus the structural validation the core requires before it will act
// on any of these fields.
package config

import (
	"github.com/moduli-generator/moduli-generator/internal/validate"
)

// Config enumerates every setting the pipeline coordinator and store
// need. Zero values are not valid defaults except where noted; callers
// build one from flags or a config file and pass it to Validate
// before use.
type Config struct {
	ModuliHome    string
	CandidatesDir string
	ModuliDir     string
	LogDir        string

	KeyLengths          []int
	NiceValue           int
	RecordsPerKeyLength int // Defaults sets 20; Validate rejects values below 1

	DBName        string
	TableName     string
	ViewName      string
	ArchiveName   string
	ConstantsName string
	DBConfigPath  string

	DeleteRecordsOnModuliWrite bool
	PreserveModuliAfterDBStore bool
}

// Defaults returns a Config with the non-zero defaults spec.md §6
// calls out explicitly: 20 records per key length and moduli files
// deleted after a successful store (preserve=false).
func Defaults() Config {
	return Config{
		RecordsPerKeyLength:        20,
		PreserveModuliAfterDBStore: false,
		ConstantsName:              "constants",
	}
}

// Validate checks every field that the wire protocol or the subprocess
// harness would otherwise have to trust blindly: key lengths, nice
// value, and the SQL identifiers that get concatenated into queries
// rather than parameterized.
func (c Config) Validate() error {
	for _, k := range c.KeyLengths {
		if err := validate.KeyLength(k); err != nil {
			return err
		}
	}
	if err := validate.NiceValue(c.NiceValue); err != nil {
		return err
	}
	if c.RecordsPerKeyLength < 1 {
		return &validate.InvalidArgument{Value: "records_per_keylength must be >= 1"}
	}
	for _, id := range []string{c.DBName, c.TableName, c.ViewName, c.ArchiveName, c.ConstantsName} {
		if err := validate.Identifier(id); err != nil {
			return err
		}
	}
	return nil
}
