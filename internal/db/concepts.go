package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"codelens/internal/types"
)

// Concept is a persisted semantic entity observed in the workspace.
type Concept struct {
	ID                   string  `json:"id"`
	CanonicalName        string  `json:"canonical_name"`
	SignatureFingerprint string  `json:"signature_fingerprint,omitempty"`
	Confidence           float64 `json:"confidence"`
	Category             string  `json:"category,omitempty"`
	IsInterface          bool    `json:"interface"`
	IsAbstract           bool    `json:"abstract"`
	IsDeprecated         bool    `json:"deprecated"`
	CreatedAt            int64   `json:"created_at"`
	UpdatedAt            int64   `json:"updated_at"`
	Metadata             string  `json:"metadata,omitempty"`
}

// SymbolRepresentation is one concrete occurrence of a concept in a file.
type SymbolRepresentation struct {
	ConceptID   string      `json:"concept_id"`
	Name        string      `json:"name"`
	URI         string      `json:"uri"`
	Range       types.Range `json:"range"`
	FirstSeen   int64       `json:"first_seen"`
	LastSeen    int64       `json:"last_seen"`
	Occurrences int64       `json:"occurrences"`
	Context     string      `json:"context,omitempty"`
}

// ConceptRelationship links two concepts; (source, target, type) is unique.
type ConceptRelationship struct {
	SourceConceptID  string  `json:"source_concept_id"`
	TargetConceptID  string  `json:"target_concept_id"`
	RelationshipType string  `json:"relationship_type"`
	Confidence       float64 `json:"confidence"`
	Evidence         string  `json:"evidence,omitempty"`
}

// UpsertConcept creates the concept on first observation, or bumps
// updated_at and mutable fields on change.
func (s *Service) UpsertConcept(ctx context.Context, c Concept) error {
	if c.ID == "" || c.CanonicalName == "" {
		return fmt.Errorf("%w: concept id and canonical_name required", types.ErrInvalidInput)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("%w: confidence %f out of [0,1]", types.ErrInvalidInput, c.Confidence)
	}

	now := time.Now().Unix()
	_, err := s.Execute(ctx, `
		INSERT INTO concepts (id, canonical_name, signature_fingerprint, confidence, category,
			is_interface, is_abstract, is_deprecated, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			canonical_name = excluded.canonical_name,
			signature_fingerprint = excluded.signature_fingerprint,
			confidence = excluded.confidence,
			category = excluded.category,
			is_interface = excluded.is_interface,
			is_abstract = excluded.is_abstract,
			is_deprecated = excluded.is_deprecated,
			updated_at = excluded.updated_at,
			metadata = excluded.metadata`,
		c.ID, c.CanonicalName, c.SignatureFingerprint, c.Confidence, c.Category,
		boolInt(c.IsInterface), boolInt(c.IsAbstract), boolInt(c.IsDeprecated),
		now, now, c.Metadata)
	return err
}

// GetConcept fetches a concept by id.
func (s *Service) GetConcept(ctx context.Context, id string) (*Concept, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_name, COALESCE(signature_fingerprint, ''), confidence,
			COALESCE(category, ''), is_interface, is_abstract, is_deprecated,
			created_at, updated_at, COALESCE(metadata, '')
		FROM concepts WHERE id = ?`, id)

	var c Concept
	var iface, abstract, deprecated int
	err := row.Scan(&c.ID, &c.CanonicalName, &c.SignatureFingerprint, &c.Confidence,
		&c.Category, &iface, &abstract, &deprecated, &c.CreatedAt, &c.UpdatedAt, &c.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.IsInterface = iface != 0
	c.IsAbstract = abstract != 0
	c.IsDeprecated = deprecated != 0
	return &c, nil
}

// DeleteConcept removes a concept; symbol representations, relationships
// and evolution history cascade.
func (s *Service) DeleteConcept(ctx context.Context, id string) error {
	_, err := s.Execute(ctx, "DELETE FROM concepts WHERE id = ?", id)
	return err
}

// RecordSymbol upserts an occurrence of a concept at a location, bumping
// occurrences and last_seen when the same (concept, uri, range) repeats.
func (s *Service) RecordSymbol(ctx context.Context, rep SymbolRepresentation) error {
	now := time.Now().Unix()
	return s.Transaction(ctx, func(tx *Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM symbol_representations
			WHERE concept_id = ? AND uri = ? AND start_line = ? AND start_character = ?`,
			rep.ConceptID, rep.URI, rep.Range.Start.Line, rep.Range.Start.Character)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			_, err = tx.Execute(ctx, `
				UPDATE symbol_representations
				SET last_seen = ?, occurrences = occurrences + 1
				WHERE id = ?`, now, rows[0]["id"])
			return err
		}
		_, err = tx.Execute(ctx, `
			INSERT INTO symbol_representations
				(concept_id, name, uri, start_line, start_character, end_line, end_character,
				 first_seen, last_seen, occurrences, context)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			rep.ConceptID, rep.Name, rep.URI,
			rep.Range.Start.Line, rep.Range.Start.Character,
			rep.Range.End.Line, rep.Range.End.Character,
			now, now, rep.Context)
		return err
	})
}

// SymbolsByName returns every representation whose symbol name matches.
func (s *Service) SymbolsByName(ctx context.Context, name string) ([]SymbolRepresentation, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT concept_id, name, uri, start_line, start_character, end_line, end_character,
			first_seen, last_seen, occurrences, COALESCE(context, '')
		FROM symbol_representations WHERE name = ?
		ORDER BY uri, start_line, start_character`, name)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []SymbolRepresentation
	for rs.Next() {
		var rep SymbolRepresentation
		if err := rs.Scan(&rep.ConceptID, &rep.Name, &rep.URI,
			&rep.Range.Start.Line, &rep.Range.Start.Character,
			&rep.Range.End.Line, &rep.Range.End.Character,
			&rep.FirstSeen, &rep.LastSeen, &rep.Occurrences, &rep.Context); err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rs.Err()
}

// SymbolsByConcept returns every representation recorded for a concept.
func (s *Service) SymbolsByConcept(ctx context.Context, conceptID string) ([]SymbolRepresentation, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT concept_id, name, uri, start_line, start_character, end_line, end_character,
			first_seen, last_seen, occurrences, COALESCE(context, '')
		FROM symbol_representations WHERE concept_id = ?
		ORDER BY uri, start_line, start_character`, conceptID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []SymbolRepresentation
	for rs.Next() {
		var rep SymbolRepresentation
		if err := rs.Scan(&rep.ConceptID, &rep.Name, &rep.URI,
			&rep.Range.Start.Line, &rep.Range.Start.Character,
			&rep.Range.End.Line, &rep.Range.End.Character,
			&rep.FirstSeen, &rep.LastSeen, &rep.Occurrences, &rep.Context); err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rs.Err()
}

// UpsertRelationship records a relationship; the unique triple makes the
// call idempotent with confidence/evidence refresh.
func (s *Service) UpsertRelationship(ctx context.Context, rel ConceptRelationship) error {
	_, err := s.Execute(ctx, `
		INSERT INTO concept_relationships
			(source_concept_id, target_concept_id, relationship_type, confidence, evidence)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_concept_id, target_concept_id, relationship_type) DO UPDATE SET
			confidence = excluded.confidence,
			evidence = excluded.evidence`,
		rel.SourceConceptID, rel.TargetConceptID, rel.RelationshipType, rel.Confidence, rel.Evidence)
	return err
}

// RelatedConcepts returns relationships where the concept is the source.
func (s *Service) RelatedConcepts(ctx context.Context, conceptID string) ([]ConceptRelationship, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT source_concept_id, target_concept_id, relationship_type, confidence, COALESCE(evidence, '')
		FROM concept_relationships WHERE source_concept_id = ?`, conceptID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []ConceptRelationship
	for rs.Next() {
		var rel ConceptRelationship
		if err := rs.Scan(&rel.SourceConceptID, &rel.TargetConceptID,
			&rel.RelationshipType, &rel.Confidence, &rel.Evidence); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rs.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
