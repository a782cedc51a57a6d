package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/db"
	"codelens/internal/logging"
	"codelens/internal/types"
)

// Role is a team member's role.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleSenior    Role = "senior"
	RoleLead      Role = "lead"
	RoleArchitect Role = "architect"
	RoleAdmin     Role = "admin"
)

func validRole(r Role) bool {
	switch r {
	case RoleDeveloper, RoleSenior, RoleLead, RoleArchitect, RoleAdmin:
		return true
	}
	return false
}

// SharingLevel scopes what a member shares.
type SharingLevel string

const (
	SharePrivate SharingLevel = "private"
	ShareTeam    SharingLevel = "team"
	SharePublic  SharingLevel = "public"
)

// MemberPreferences holds a member's sharing settings.
type MemberPreferences struct {
	SharingLevel       SharingLevel `json:"sharing_level"`
	ReceiveSuggestions bool         `json:"receive_suggestions"`
	AutoSync           bool         `json:"auto_sync"`
}

// TeamMember is one registered team member.
type TeamMember struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Role        Role              `json:"role"`
	Expertise   []string          `json:"expertise"`
	JoinedAt    time.Time         `json:"joined_at"`
	LastActive  time.Time         `json:"last_active"`
	Preferences MemberPreferences `json:"preferences"`
}

// PatternStatus is the shared-pattern lifecycle state. Transitions run
// pending -> validated -> adopted; rejected and deprecated are terminal.
type PatternStatus string

const (
	StatusPending    PatternStatus = "pending"
	StatusValidated  PatternStatus = "validated"
	StatusAdopted    PatternStatus = "adopted"
	StatusRejected   PatternStatus = "rejected"
	StatusDeprecated PatternStatus = "deprecated"
)

// ValidationStatus is a validator's verdict.
type ValidationStatus string

const (
	ValidationApprove ValidationStatus = "approve"
	ValidationReject  ValidationStatus = "reject"
)

// Validation is one validator's review of a shared pattern.
type Validation struct {
	Validator string           `json:"validator"`
	Status    ValidationStatus `json:"status"`
	Score     float64          `json:"score"`
	Feedback  string           `json:"feedback,omitempty"`
	Criteria  []string         `json:"criteria,omitempty"`
	At        time.Time        `json:"at"`
}

// AdoptionOutcome reports how an adoption went.
type AdoptionOutcome string

const (
	OutcomeSuccess AdoptionOutcome = "success"
	OutcomeFailure AdoptionOutcome = "failure"
	OutcomePartial AdoptionOutcome = "partial"
)

// Adoption is one member's use of a shared pattern.
type Adoption struct {
	Adopter       string          `json:"adopter"`
	Context       string          `json:"context,omitempty"`
	Outcome       AdoptionOutcome `json:"outcome"`
	Feedback      string          `json:"feedback,omitempty"`
	Modifications string          `json:"modifications,omitempty"`
	At            time.Time       `json:"at"`
}

// PatternMetrics aggregates a shared pattern's validation and adoption
// record.
type PatternMetrics struct {
	ValidationCount int     `json:"validation_count"`
	AdoptionCount   int     `json:"adoption_count"`
	SuccessRate     float64 `json:"success_rate"`
}

// SharedPattern is one pattern in the team knowledge base.
type SharedPattern struct {
	ID            string         `json:"id"`
	Pattern       string         `json:"pattern"`
	ContributorID string         `json:"contributor_id"`
	Documentation string         `json:"documentation,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Status        PatternStatus  `json:"status"`
	Validations   []Validation   `json:"validations,omitempty"`
	Adoptions     []Adoption     `json:"adoptions,omitempty"`
	Metrics       PatternMetrics `json:"metrics"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// GraphNode is one node of the knowledge graph.
type GraphNode struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // member | pattern
	Name string `json:"name"`
}

// GraphEdge is one inferred relationship in the knowledge graph.
type GraphEdge struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Relation string  `json:"relation"` // contributed | validated | adopted | shares-expertise
	Weight   float64 `json:"weight"`
}

// KnowledgeGraph is the member/pattern graph computed on demand. Nodes are
// keyed by id; the cyclic member-pattern-expertise structure lives in the
// edge list, not in linked references.
type KnowledgeGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// ImportResult reports an import: duplicates are skipped, never
// overwritten.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Team manages shared patterns and the membership roster.
type Team struct {
	store  *db.Service
	events *bus.Bus
	cfg    config.TeamConfig
	log    *logging.Logger
}

// NewTeam builds the team-knowledge manager over the shared store.
func NewTeam(store *db.Service, events *bus.Bus, cfg config.TeamConfig) *Team {
	return &Team{
		store:  store,
		events: events,
		cfg:    cfg,
		log:    logging.Get(logging.CategoryTeam),
	}
}

// RegisterMember adds or refreshes a member. Unknown roles become
// developer; a zero sharing level becomes team.
func (t *Team) RegisterMember(ctx context.Context, m TeamMember) (*TeamMember, error) {
	if m.Name == "" {
		return nil, fmt.Errorf("%w: member name required", types.ErrInvalidInput)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if !validRole(m.Role) {
		m.Role = RoleDeveloper
	}
	if m.Preferences.SharingLevel == "" {
		m.Preferences.SharingLevel = ShareTeam
	}
	now := time.Now()
	if m.JoinedAt.IsZero() {
		m.JoinedAt = now
	}
	m.LastActive = now

	expertise, _ := json.Marshal(m.Expertise)
	_, err := t.store.Execute(ctx, `
		INSERT INTO team_members
			(id, name, role, expertise, joined_at, last_active, sharing_level, receive_suggestions, auto_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			expertise = excluded.expertise,
			last_active = excluded.last_active,
			sharing_level = excluded.sharing_level,
			receive_suggestions = excluded.receive_suggestions,
			auto_sync = excluded.auto_sync`,
		m.ID, m.Name, string(m.Role), string(expertise), m.JoinedAt.Unix(), m.LastActive.Unix(),
		string(m.Preferences.SharingLevel), boolInt(m.Preferences.ReceiveSuggestions), boolInt(m.Preferences.AutoSync))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMember looks a member up by id.
func (t *Team) GetMember(ctx context.Context, id string) (*TeamMember, error) {
	rows, err := t.store.Query(ctx, `
		SELECT id, name, role, expertise, joined_at, last_active, sharing_level, receive_suggestions, auto_sync
		FROM team_members WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: member %s not found", types.ErrInvalidInput, id)
	}
	m := scanMember(rows[0])
	return &m, nil
}

func scanMember(row map[string]interface{}) TeamMember {
	m := TeamMember{
		ID:   row["id"].(string),
		Name: row["name"].(string),
		Role: Role(row["role"].(string)),
	}
	if v, ok := row["expertise"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &m.Expertise)
	}
	if v, ok := row["joined_at"].(int64); ok {
		m.JoinedAt = time.Unix(v, 0)
	}
	if v, ok := row["last_active"].(int64); ok {
		m.LastActive = time.Unix(v, 0)
	}
	if v, ok := row["sharing_level"].(string); ok {
		m.Preferences.SharingLevel = SharingLevel(v)
	}
	m.Preferences.ReceiveSuggestions = intOf(row["receive_suggestions"]) != 0
	m.Preferences.AutoSync = intOf(row["auto_sync"]) != 0
	return m
}

// SharePattern submits a pattern to the team knowledge base in the pending
// state.
func (t *Team) SharePattern(ctx context.Context, pattern, contributorID, documentation string, tags []string) (*SharedPattern, error) {
	if pattern == "" || contributorID == "" {
		return nil, fmt.Errorf("%w: pattern and contributor required", types.ErrInvalidInput)
	}
	if _, err := t.GetMember(ctx, contributorID); err != nil {
		return nil, err
	}

	now := time.Now()
	sp := SharedPattern{
		ID:            uuid.NewString(),
		Pattern:       pattern,
		ContributorID: contributorID,
		Documentation: documentation,
		Tags:          tags,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.savePattern(ctx, sp); err != nil {
		return nil, err
	}

	t.events.Emit(bus.TopicPatternShared, sp)
	return &sp, nil
}

// GetPattern looks a shared pattern up by id.
func (t *Team) GetPattern(ctx context.Context, id string) (*SharedPattern, error) {
	rows, err := t.store.Query(ctx, `
		SELECT id, pattern, contributor_id, documentation, tags, status, validations, adoptions,
		       validation_count, adoption_count, success_rate, created_at, updated_at
		FROM shared_patterns WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: shared pattern %s not found", types.ErrInvalidInput, id)
	}
	sp := scanSharedPattern(rows[0])
	return &sp, nil
}

func scanSharedPattern(row map[string]interface{}) SharedPattern {
	sp := SharedPattern{
		ID:            row["id"].(string),
		Pattern:       row["pattern"].(string),
		ContributorID: row["contributor_id"].(string),
		Status:        PatternStatus(row["status"].(string)),
	}
	if v, ok := row["documentation"].(string); ok {
		sp.Documentation = v
	}
	if v, ok := row["tags"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &sp.Tags)
	}
	if v, ok := row["validations"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &sp.Validations)
	}
	if v, ok := row["adoptions"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &sp.Adoptions)
	}
	sp.Metrics.ValidationCount = int(intOf(row["validation_count"]))
	sp.Metrics.AdoptionCount = int(intOf(row["adoption_count"]))
	sp.Metrics.SuccessRate = floatOf(row["success_rate"])
	if v, ok := row["created_at"].(int64); ok {
		sp.CreatedAt = time.Unix(v, 0)
	}
	if v, ok := row["updated_at"].(int64); ok {
		sp.UpdatedAt = time.Unix(v, 0)
	}
	return sp
}

func (t *Team) savePattern(ctx context.Context, sp SharedPattern) error {
	tags, _ := json.Marshal(sp.Tags)
	validations, _ := json.Marshal(sp.Validations)
	adoptions, _ := json.Marshal(sp.Adoptions)
	_, err := t.store.Execute(ctx, `
		INSERT INTO shared_patterns
			(id, pattern, contributor_id, documentation, tags, status, validations, adoptions,
			 validation_count, adoption_count, success_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			documentation = excluded.documentation,
			tags = excluded.tags,
			status = excluded.status,
			validations = excluded.validations,
			adoptions = excluded.adoptions,
			validation_count = excluded.validation_count,
			adoption_count = excluded.adoption_count,
			success_rate = excluded.success_rate,
			updated_at = excluded.updated_at`,
		sp.ID, sp.Pattern, sp.ContributorID, sp.Documentation, string(tags), string(sp.Status),
		string(validations), string(adoptions),
		sp.Metrics.ValidationCount, sp.Metrics.AdoptionCount, sp.Metrics.SuccessRate,
		sp.CreatedAt.Unix(), sp.UpdatedAt.Unix())
	return err
}

// ValidatePattern records one validator's verdict and advances the
// lifecycle when the approval floor is cleared. A rejection is terminal.
func (t *Team) ValidatePattern(ctx context.Context, patternID, validatorID string, v Validation) (*SharedPattern, error) {
	if validatorID == "" {
		return nil, fmt.Errorf("%w: validator required", types.ErrInvalidInput)
	}
	if v.Status != ValidationApprove && v.Status != ValidationReject {
		return nil, fmt.Errorf("%w: validation status must be approve or reject", types.ErrInvalidInput)
	}

	sp, err := t.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if sp.Status == StatusRejected || sp.Status == StatusDeprecated {
		return nil, fmt.Errorf("%w: pattern %s is %s", types.ErrInvalidInput, patternID, sp.Status)
	}
	if sp.ContributorID == validatorID {
		return nil, fmt.Errorf("%w: contributors cannot validate their own patterns", types.ErrInvalidInput)
	}
	for _, existing := range sp.Validations {
		if existing.Validator == validatorID {
			return nil, fmt.Errorf("%w: validator %s already reviewed pattern %s", types.ErrInvalidInput, validatorID, patternID)
		}
	}

	v.Validator = validatorID
	v.At = time.Now()
	sp.Validations = append(sp.Validations, v)
	sp.Metrics.ValidationCount = len(sp.Validations)
	sp.UpdatedAt = v.At

	if v.Status == ValidationReject {
		sp.Status = StatusRejected
	} else if sp.Status == StatusPending {
		approvals := 0
		var scoreSum float64
		for _, val := range sp.Validations {
			if val.Status == ValidationApprove {
				approvals++
				scoreSum += val.Score
			}
		}
		if approvals >= t.cfg.MinValidators && scoreSum/float64(approvals) >= t.cfg.MinApprovalScore {
			sp.Status = StatusValidated
		}
	}

	if err := t.savePattern(ctx, *sp); err != nil {
		return nil, err
	}
	if sp.Status == StatusValidated {
		t.events.Emit(bus.TopicPatternValidated, *sp)
	}
	return sp, nil
}

// RecordAdoption records one member's use of a pattern and promotes it to
// adopted once enough successful adoptions accumulate.
func (t *Team) RecordAdoption(ctx context.Context, patternID, adopterID string, a Adoption) (*SharedPattern, error) {
	if adopterID == "" {
		return nil, fmt.Errorf("%w: adopter required", types.ErrInvalidInput)
	}
	switch a.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
	default:
		return nil, fmt.Errorf("%w: outcome must be success, failure, or partial", types.ErrInvalidInput)
	}

	sp, err := t.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if sp.Status == StatusRejected || sp.Status == StatusDeprecated {
		return nil, fmt.Errorf("%w: pattern %s is %s", types.ErrInvalidInput, patternID, sp.Status)
	}

	a.Adopter = adopterID
	a.At = time.Now()
	sp.Adoptions = append(sp.Adoptions, a)
	sp.Metrics.AdoptionCount = len(sp.Adoptions)

	successes := 0
	for _, ad := range sp.Adoptions {
		if ad.Outcome == OutcomeSuccess {
			successes++
		}
	}
	sp.Metrics.SuccessRate = float64(successes) / float64(len(sp.Adoptions))
	sp.UpdatedAt = a.At

	if sp.Status == StatusValidated && successes >= t.cfg.AdoptionThreshold {
		sp.Status = StatusAdopted
	}

	if err := t.savePattern(ctx, *sp); err != nil {
		return nil, err
	}
	if sp.Status == StatusAdopted && successes == t.cfg.AdoptionThreshold {
		t.events.Emit(bus.TopicPatternAdopted, *sp)
	}
	return sp, nil
}

// Deprecate administratively retires a pattern. Terminal.
func (t *Team) Deprecate(ctx context.Context, patternID string) error {
	sp, err := t.GetPattern(ctx, patternID)
	if err != nil {
		return err
	}
	sp.Status = StatusDeprecated
	sp.UpdatedAt = time.Now()
	return t.savePattern(ctx, *sp)
}

// SyncTeamPatterns returns the patterns visible to a member (or every
// non-terminal pattern when memberID is empty) and stamps the member
// active.
func (t *Team) SyncTeamPatterns(ctx context.Context, memberID string) ([]SharedPattern, error) {
	if memberID != "" {
		if _, err := t.GetMember(ctx, memberID); err != nil {
			return nil, err
		}
		_, _ = t.store.Execute(ctx, "UPDATE team_members SET last_active = ? WHERE id = ?",
			time.Now().Unix(), memberID)
	}

	patterns, err := t.listPatterns(ctx, "status IN ('pending', 'validated', 'adopted')")
	if err != nil {
		return nil, err
	}
	t.events.Emit(bus.TopicTeamPatternsSynced, map[string]interface{}{
		"member": memberID, "count": len(patterns),
	})
	return patterns, nil
}

func (t *Team) listPatterns(ctx context.Context, where string, args ...interface{}) ([]SharedPattern, error) {
	q := `SELECT id, pattern, contributor_id, documentation, tags, status, validations, adoptions,
	             validation_count, adoption_count, success_rate, created_at, updated_at
	      FROM shared_patterns`
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY created_at"
	rows, err := t.store.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := make([]SharedPattern, 0, len(rows))
	for _, row := range rows {
		out = append(out, scanSharedPattern(row))
	}
	return out, nil
}

// RecommendPatterns intersects the member's expertise tags with pattern
// tags, excludes self-contributed patterns, and ranks by adoption success
// rate.
func (t *Team) RecommendPatterns(ctx context.Context, memberID string) ([]SharedPattern, error) {
	member, err := t.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	patterns, err := t.listPatterns(ctx, "status IN ('validated', 'adopted')")
	if err != nil {
		return nil, err
	}

	expertise := make(map[string]struct{}, len(member.Expertise))
	for _, tag := range member.Expertise {
		expertise[tag] = struct{}{}
	}

	var recs []SharedPattern
	for _, sp := range patterns {
		if sp.ContributorID == memberID {
			continue
		}
		for _, tag := range sp.Tags {
			if _, ok := expertise[tag]; ok {
				recs = append(recs, sp)
				break
			}
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Metrics.SuccessRate > recs[j].Metrics.SuccessRate
	})
	return recs, nil
}

// Export returns every pattern at or above the given sharing scope.
// Private patterns never leave the process.
func (t *Team) Export(ctx context.Context, scope SharingLevel) ([]SharedPattern, error) {
	patterns, err := t.listPatterns(ctx, "status != 'rejected'")
	if err != nil {
		return nil, err
	}

	if scope != SharePrivate {
		filtered := patterns[:0]
		for _, sp := range patterns {
			member, err := t.GetMember(ctx, sp.ContributorID)
			if err != nil || member.Preferences.SharingLevel == SharePrivate {
				continue
			}
			if scope == SharePublic && member.Preferences.SharingLevel != SharePublic {
				continue
			}
			filtered = append(filtered, sp)
		}
		patterns = filtered
	}

	t.events.Emit(bus.TopicTeamPatternsExported, map[string]interface{}{
		"scope": scope, "count": len(patterns),
	})
	return patterns, nil
}

// Import merges patterns from another knowledge base. Existing ids are
// skipped, never overwritten; unknown contributors get placeholder member
// rows so foreign traffic cannot corrupt the roster.
func (t *Team) Import(ctx context.Context, source []SharedPattern) (*ImportResult, error) {
	result := &ImportResult{}
	for _, sp := range source {
		if sp.ID == "" || sp.Pattern == "" {
			result.Skipped++
			continue
		}
		existing, err := t.store.Query(ctx, "SELECT 1 FROM shared_patterns WHERE id = ? LIMIT 1", sp.ID)
		if err != nil {
			return result, err
		}
		if len(existing) > 0 {
			result.Skipped++
			continue
		}

		if _, err := t.GetMember(ctx, sp.ContributorID); err != nil {
			if _, err := t.RegisterMember(ctx, TeamMember{
				ID:   sp.ContributorID,
				Name: "imported:" + sp.ContributorID,
			}); err != nil {
				return result, err
			}
		}
		if err := t.savePattern(ctx, sp); err != nil {
			return result, err
		}
		result.Imported++
	}

	t.events.Emit(bus.TopicTeamPatternsImported, *result)
	return result, nil
}

// Graph computes the knowledge graph on demand: members and patterns as
// nodes, with contribution, validation, adoption, and shared-expertise
// edges.
func (t *Team) Graph(ctx context.Context) (*KnowledgeGraph, error) {
	rows, err := t.store.Query(ctx, "SELECT id, name, expertise FROM team_members")
	if err != nil {
		return nil, err
	}

	g := &KnowledgeGraph{}
	expertiseByMember := make(map[string][]string)
	for _, row := range rows {
		id := row["id"].(string)
		g.Nodes = append(g.Nodes, GraphNode{ID: id, Kind: "member", Name: row["name"].(string)})
		if v, ok := row["expertise"].(string); ok && v != "" {
			var tags []string
			_ = json.Unmarshal([]byte(v), &tags)
			expertiseByMember[id] = tags
		}
	}

	patterns, err := t.listPatterns(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, sp := range patterns {
		g.Nodes = append(g.Nodes, GraphNode{ID: sp.ID, Kind: "pattern", Name: firstLine(sp.Pattern)})
		g.Edges = append(g.Edges, GraphEdge{From: sp.ContributorID, To: sp.ID, Relation: "contributed", Weight: 1})
		for _, v := range sp.Validations {
			g.Edges = append(g.Edges, GraphEdge{From: v.Validator, To: sp.ID, Relation: "validated", Weight: v.Score / 5})
		}
		for _, a := range sp.Adoptions {
			w := 0.5
			if a.Outcome == OutcomeSuccess {
				w = 1
			}
			g.Edges = append(g.Edges, GraphEdge{From: a.Adopter, To: sp.ID, Relation: "adopted", Weight: w})
		}
	}

	// Expertise overlap between members.
	ids := make([]string, 0, len(expertiseByMember))
	for id := range expertiseByMember {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if n := overlap(expertiseByMember[ids[i]], expertiseByMember[ids[j]]); n > 0 {
				g.Edges = append(g.Edges, GraphEdge{
					From: ids[i], To: ids[j], Relation: "shares-expertise", Weight: float64(n),
				})
			}
		}
	}
	return g, nil
}

func overlap(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	n := 0
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			n++
		}
	}
	return n
}

func firstLine(s string) string {
	if i := len(s); i > 60 {
		s = s[:60]
	}
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
