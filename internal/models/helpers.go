// Package models defines the data structures shared by the pipeline, the
// stores and the API.
package models

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RecordIDString safely extracts the string ID from a SurrealDB RecordID.
// Returns an error if the ID is not a string type.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// Slugify lowercases s, folds accents ("é" becomes "e"), turns spaces and
// underscores into hyphens and drops everything else outside [a-z0-9-].
func Slugify(s string) string {
	// Chains carry state, so one per call.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, s); err == nil {
		s = folded
	}

	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '_':
			b.WriteRune('-')
		}
	}
	return b.String()
}

var entityNamespace = uuid.MustParse("5c1b3d2e-7f0a-4e8b-9a6d-2f4c8e1b7a90")

// EntityID derives the stable id for (mode, slug), so concurrent ingests of
// the same name land on the same record.
func EntityID(mode, slug string) string {
	return uuid.NewSHA1(entityNamespace, []byte(mode+"/"+slug)).String()
}

// NewID returns a random id for jobs, artifacts and appearances.
func NewID() string {
	return uuid.NewString()
}
