// Package validate sanitizes the primitive values that cross the
// boundary into ssh-keygen subprocess invocations: key lengths, nice
// values, and raw command-line argument strings. Every check fails
// closed with a typed error; none of it has side effects.
package validate

import (
	"regexp"

	"golang.org/x/xerrors"
)

// InvalidKeyLength is returned when a key length fails §4.1's range
// and multiple-of-8 checks.
type InvalidKeyLength struct {
	Value int
}

func (e *InvalidKeyLength) Error() string {
	return xerrors.Errorf("invalid key length %d: must satisfy 3072 <= n <= 8192 and n %% 8 == 0", e.Value).Error()
}

// InvalidNiceValue is returned when a nice value falls outside
// [-20, 19].
type InvalidNiceValue struct {
	Value int
}

func (e *InvalidNiceValue) Error() string {
	return xerrors.Errorf("invalid nice value %d: must satisfy -20 <= n <= 19", e.Value).Error()
}

// InvalidArgument is returned when a string destined for a subprocess
// argv contains a character outside the allow-listed set.
type InvalidArgument struct {
	Value string
}

func (e *InvalidArgument) Error() string {
	return xerrors.Errorf("invalid argument %q: must match %s", e.Value, argPattern).Error()
}

const argPattern = `^[A-Za-z0-9_./=:-]+$`

var argRe = regexp.MustCompile(argPattern)

// KeyLength validates a requested DH group size in bits.
func KeyLength(bits int) error {
	if bits < 3072 || bits > 8192 || bits%8 != 0 {
		return &InvalidKeyLength{Value: bits}
	}
	return nil
}

// NiceValue validates a scheduling priority adjustment.
func NiceValue(nice int) error {
	if nice < -20 || nice > 19 {
		return &InvalidNiceValue{Value: nice}
	}
	return nil
}

// Argument validates a single subprocess argv element.
func Argument(arg string) error {
	if !argRe.MatchString(arg) {
		return &InvalidArgument{Value: arg}
	}
	return nil
}

// Argv validates every element of argv in order, returning the first
// failure encountered. argv[0] (the program name) is validated the
// same as any other argument: which program may be argv[0] is decided
// by the caller that builds argv, not here.
func Argv(argv []string) error {
	for _, a := range argv {
		if err := Argument(a); err != nil {
			return err
		}
	}
	return nil
}

// Identifier validates a SQL identifier (database/table/view name)
// read from configuration before it is concatenated into a query
// (see spec §6: identifiers are never parameterized by the wire
// protocol, so they must be validated structurally).
func Identifier(name string) error {
	if !identifierRe.MatchString(name) {
		return xerrors.Errorf("invalid SQL identifier %q: must match %s", name, identifierPattern)
	}
	return nil
}

const identifierPattern = `^[A-Za-z_][A-Za-z0-9_]*$`

var identifierRe = regexp.MustCompile(identifierPattern)
