// Package namespace provides the value type used to tag every database object
// a scenario creates, so that concurrent runs against one database do not
// collide.
package namespace

import (
	"regexp"

	"github.com/contenderproject/contender/internal/common/contendererrors"
)

// Namespace prefixes the names of the tables, sequences and routines a
// scenario owns. The empty namespace is valid and leaves object names
// unprefixed.
type Namespace string

var namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,29}$`)

// New validates s and returns it as a Namespace.
func New(s string) (Namespace, error) {
	if s == "" {
		return "", nil
	}
	if !namespacePattern.MatchString(s) {
		return "", &contendererrors.ErrInvalidConfig{
			Name:    "namespace",
			Value:   s,
			Message: "must be lowercase alphanumeric or underscore, start with a letter and be at most 30 characters",
		}
	}
	return Namespace(s), nil
}

func (ns Namespace) String() string {
	return string(ns)
}

// Object returns the namespaced name of a database object.
func (ns Namespace) Object(base string) string {
	if ns == "" {
		return base
	}
	return string(ns) + "_" + base
}
