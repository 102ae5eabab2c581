package models

import (
	"strings"

	"github.com/samber/lo"
)

// UnionNames appends names to existing, skipping blanks, anything equal to
// canonical and case-insensitive repeats. The first spelling wins.
func UnionNames(canonical string, existing []string, names ...string) []string {
	all := append(append([]string{}, existing...), names...)
	all = lo.Filter(all, func(n string, _ int) bool {
		n = strings.TrimSpace(n)
		return n != "" && !strings.EqualFold(n, canonical)
	})
	return lo.UniqBy(all, strings.ToLower)
}

// LongerString returns b if it is longer than a, else a.
func LongerString(a, b string) string {
	if len(b) > len(a) {
		return b
	}
	return a
}

// FirstNonEmpty returns the first non-blank value.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// MergeMetadata folds src into dst: empty fields filled, longer description
// kept, opportunities unioned.
func MergeMetadata(dst, src EntityMetadata) EntityMetadata {
	dst.Description = LongerString(dst.Description, src.Description)
	dst.URL = FirstNonEmpty(dst.URL, src.URL)
	dst.Twitter = FirstNonEmpty(dst.Twitter, src.Twitter)
	dst.Status = FirstNonEmpty(dst.Status, src.Status)
	dst.Owner = FirstNonEmpty(dst.Owner, src.Owner)
	dst.Opportunities = lo.Uniq(append(append([]string{}, dst.Opportunities...), src.Opportunities...))
	return dst
}

// MergedTarget computes the target entity after source is folded into it.
// With a rename, the old canonical name is kept as an alias.
func MergedTarget(target, source Entity, rename *string) Entity {
	names := append([]string{source.CanonicalName}, source.Aliases...)
	canonical := target.CanonicalName
	if rename != nil && strings.TrimSpace(*rename) != "" && *rename != canonical {
		names = append(names, canonical)
		canonical = strings.TrimSpace(*rename)
	}

	target.Aliases = UnionNames(canonical, target.Aliases, names...)
	target.CanonicalName = canonical
	target.AppearanceCount += source.AppearanceCount
	target.Metadata = MergeMetadata(target.Metadata, source.Metadata)
	return target
}

// ApplyUpsert folds an ingest upsert into an existing entity.
func ApplyUpsert(e Entity, u EntityUpsert) Entity {
	e.Aliases = UnionNames(e.CanonicalName, e.Aliases, append([]string{u.CanonicalName}, u.Aliases...)...)
	e.Metadata = MergeMetadata(e.Metadata, u.Metadata)
	return e
}
