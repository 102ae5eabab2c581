package models

import "time"

// EntityRelation is one directed half of a co-occurrence edge. Every A→B
// half-edge has a B→A twin with the same count.
type EntityRelation struct {
	Mode      string    `json:"mode"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Count     int       `json:"co_occurrence_count"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// RelatedEntity is a query result for Related.
type RelatedEntity struct {
	Entity Entity `json:"entity"`
	Count  int    `json:"co_occurrence_count"`
}

// Backlink says two documents share entities. Derived from appearances.
type Backlink struct {
	Mode              string `json:"mode"`
	ArtifactID        string `json:"artifact_id"`
	RelatedArtifactID string `json:"related_artifact_id"`
	SharedEntities    int    `json:"shared_entities"`
}

// PairDelta moves both half-edges of A↔B by Delta.
type PairDelta struct {
	A     string `json:"a"`
	B     string `json:"b"`
	Delta int    `json:"delta"`
}

// DocumentEntities replaces the entity set recorded for one artifact.
// Previous is the set the caller read; Pairs is the co-occurrence change
// between the two sets.
type DocumentEntities struct {
	ArtifactID string
	Previous   []string
	Entities   []string
	Pairs      []PairDelta
}
