package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnionNames(t *testing.T) {
	got := UnionNames("Acme Robotics", []string{"Acme"}, "ACME", "acme robotics", " ", "Acme Inc")
	assert.Equal(t, []string{"Acme", "Acme Inc"}, got)
}

func TestMergeMetadata(t *testing.T) {
	got := MergeMetadata(
		EntityMetadata{Description: "Robots", Opportunities: []string{"series-b"}},
		EntityMetadata{Description: "Warehouse robots", URL: "https://acme.test", Opportunities: []string{"series-b", "pilot"}},
	)
	assert.Equal(t, "Warehouse robots", got.Description)
	assert.Equal(t, "https://acme.test", got.URL)
	assert.Equal(t, []string{"series-b", "pilot"}, got.Opportunities)
}

func TestMergedTarget(t *testing.T) {
	target := Entity{ID: "t", CanonicalName: "Acme Robotics", Aliases: []string{"Acme"}, AppearanceCount: 3}
	source := Entity{ID: "s", CanonicalName: "ACME Corp", Aliases: []string{"acme"}, AppearanceCount: 2}

	t.Run("without rename", func(t *testing.T) {
		got := MergedTarget(target, source, nil)
		assert.Equal(t, "Acme Robotics", got.CanonicalName)
		assert.Equal(t, []string{"Acme", "ACME Corp"}, got.Aliases)
		assert.Equal(t, 5, got.AppearanceCount)
	})

	t.Run("with rename", func(t *testing.T) {
		name := "Acme Robotics Inc"
		got := MergedTarget(target, source, &name)
		assert.Equal(t, "Acme Robotics Inc", got.CanonicalName)
		assert.ElementsMatch(t, []string{"Acme", "ACME Corp", "Acme Robotics"}, got.Aliases)
	})

	t.Run("rename to an alias removes it from aliases", func(t *testing.T) {
		name := "ACME Corp"
		got := MergedTarget(target, source, &name)
		assert.Equal(t, "ACME Corp", got.CanonicalName)
		assert.NotContains(t, got.Aliases, "ACME Corp")
		assert.Contains(t, got.Aliases, "Acme Robotics")
	})
}

func TestApplyUpsert(t *testing.T) {
	e := Entity{CanonicalName: "Acme", Metadata: EntityMetadata{Description: "short"}, AppearanceCount: 1}
	got := ApplyUpsert(e, EntityUpsert{
		CanonicalName: "acme",
		Aliases:       []string{"Acme Co"},
		Metadata:      EntityMetadata{Description: "much longer text", Twitter: "@acme"},
	})
	assert.Equal(t, []string{"Acme Co"}, got.Aliases)
	assert.Equal(t, "much longer text", got.Metadata.Description)
	assert.Equal(t, "@acme", got.Metadata.Twitter)
	assert.Equal(t, 1, got.AppearanceCount, "appearance counts move with appearances, not upserts")
}
