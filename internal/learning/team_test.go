package learning

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/types"
)

func newTestTeam(t *testing.T) (*Team, *bus.Bus) {
	t.Helper()
	store, events := newTestStore(t)
	return NewTeam(store, events, config.TeamConfig{
		MinValidators:     2,
		MinApprovalScore:  3.0,
		AdoptionThreshold: 3,
	}), events
}

func registerMembers(t *testing.T, team *Team, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := team.RegisterMember(context.Background(), TeamMember{ID: id, Name: "member " + id})
		require.NoError(t, err)
	}
}

func TestRegisterMemberDefaults(t *testing.T) {
	team, _ := newTestTeam(t)
	ctx := context.Background()

	m, err := team.RegisterMember(ctx, TeamMember{Name: "ada", Role: "wizard"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, RoleDeveloper, m.Role, "unknown role falls back to developer")
	assert.Equal(t, ShareTeam, m.Preferences.SharingLevel)

	got, err := team.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Name)
}

func TestPatternPromotionLifecycle(t *testing.T) {
	team, events := newTestTeam(t)
	ctx := context.Background()
	registerMembers(t, team, "C", "V1", "V2", "A1", "A2", "A3")

	var validated, adopted int
	events.On(bus.TopicPatternValidated, func(interface{}) { validated++ })
	events.On(bus.TopicPatternAdopted, func(interface{}) { adopted++ })

	sp, err := team.SharePattern(ctx, "prefer guard clauses", "C", "flatten nesting", []string{"style"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, sp.Status)

	// One approval is below min_validators.
	sp, err = team.ValidatePattern(ctx, sp.ID, "V1", Validation{Status: ValidationApprove, Score: 4.0})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, sp.Status)

	// Second approval with mean score 3.75 >= 3.0 promotes it.
	sp, err = team.ValidatePattern(ctx, sp.ID, "V2", Validation{Status: ValidationApprove, Score: 3.5})
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, sp.Status)
	assert.Equal(t, 1, validated)

	// Three successful adoptions promote to adopted.
	for i, adopter := range []string{"A1", "A2", "A3"} {
		sp, err = team.RecordAdoption(ctx, sp.ID, adopter, Adoption{Outcome: OutcomeSuccess})
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, StatusValidated, sp.Status)
		}
	}
	assert.Equal(t, StatusAdopted, sp.Status)
	assert.Equal(t, 1, adopted)
	assert.Equal(t, 1.0, sp.Metrics.SuccessRate)
}

func TestFailedAdoptionsDoNotPromote(t *testing.T) {
	team, _ := newTestTeam(t)
	ctx := context.Background()
	registerMembers(t, team, "C", "V1", "V2", "A1", "A2", "A3")

	sp, err := team.SharePattern(ctx, "p", "C", "", nil)
	require.NoError(t, err)
	_, err = team.ValidatePattern(ctx, sp.ID, "V1", Validation{Status: ValidationApprove, Score: 4})
	require.NoError(t, err)
	_, err = team.ValidatePattern(ctx, sp.ID, "V2", Validation{Status: ValidationApprove, Score: 4})
	require.NoError(t, err)

	for _, adopter := range []string{"A1", "A2", "A3"} {
		sp, err = team.RecordAdoption(ctx, sp.ID, adopter, Adoption{Outcome: OutcomeFailure})
		require.NoError(t, err)
	}
	assert.Equal(t, StatusValidated, sp.Status, "failed adoptions never count toward promotion")
	assert.Equal(t, 0.0, sp.Metrics.SuccessRate)
}

func TestRejectionIsTerminal(t *testing.T) {
	team, _ := newTestTeam(t)
	ctx := context.Background()
	registerMembers(t, team, "C", "V1", "V2")

	sp, err := team.SharePattern(ctx, "p", "C", "", nil)
	require.NoError(t, err)

	sp, err = team.ValidatePattern(ctx, sp.ID, "V1", Validation{Status: ValidationReject, Score: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, sp.Status)

	_, err = team.ValidatePattern(ctx, sp.ID, "V2", Validation{Status: ValidationApprove, Score: 5})
	assert.ErrorIs(t, err, types.ErrInvalidInput, "rejected patterns never transition forward")

	_, err = team.RecordAdoption(ctx, sp.ID, "V2", Adoption{Outcome: OutcomeSuccess})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestValidationGuards(t *testing.T) {
	team, _ := newTestTeam(t)
	ctx := context.Background()
	registerMembers(t, team, "C", "V1")

	sp, err := team.SharePattern(ctx, "p", "C", "", nil)
	require.NoError(t, err)

	_, err = team.ValidatePattern(ctx, sp.ID, "C", Validation{Status: ValidationApprove, Score: 5})
	assert.ErrorIs(t, err, types.ErrInvalidInput, "self-validation rejected")

	_, err = team.ValidatePattern(ctx, sp.ID, "V1", Validation{Status: ValidationApprove, Score: 4})
	require.NoError(t, err)
	_, err = team.ValidatePattern(ctx, sp.ID, "V1", Validation{Status: ValidationApprove, Score: 4})
	assert.ErrorIs(t, err, types.ErrInvalidInput, "duplicate validator rejected")
}

func TestRecommendPatterns(t *testing.T) {
	team, _ := newTestTeam(t)
	ctx := context.Background()

	_, err := team.RegisterMember(ctx, TeamMember{ID: "me", Name: "me", Expertise: []string{"go", "sql"}})
	require.NoError(t, err)
	registerMembers(t, team, "other", "V1", "V2", "A1", "A2", "A3")

	share := func(contributor, tag string) *SharedPattern {
		sp, err := team.SharePattern(ctx, "pattern "+tag, contributor, "", []string{tag})
		require.NoError(t, err)
		_, err = team.ValidatePattern(ctx, sp.ID, "V1", Validation{Status: ValidationApprove, Score: 4})
		require.NoError(t, err)
		sp, err = team.ValidatePattern(ctx, sp.ID, "V2", Validation{Status: ValidationApprove, Score: 4})
		require.NoError(t, err)
		return sp
	}

	low := share("other", "go")
	high := share("other", "sql")
	share("me", "go")      // self-contributed: excluded
	share("other", "rust") // no expertise overlap: excluded

	_, err = team.RecordAdoption(ctx, low.ID, "A1", Adoption{Outcome: OutcomeFailure})
	require.NoError(t, err)
	_, err = team.RecordAdoption(ctx, high.ID, "A1", Adoption{Outcome: OutcomeSuccess})
	require.NoError(t, err)

	recs, err := team.RecommendPatterns(ctx, "me")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, high.ID, recs[0].ID, "sorted by adoption success rate")
	assert.Equal(t, low.ID, recs[1].ID)
}

func TestExportImportRoundTrip(t *testing.T) {
	source, _ := newTestTeam(t)
	peer, _ := newTestTeam(t)
	ctx := context.Background()
	registerMembers(t, source, "C")

	for i := 0; i < 3; i++ {
		_, err := source.SharePattern(ctx, fmt.Sprintf("pattern %d", i), "C",
			fmt.Sprintf("docs %d", i), []string{"tag"})
		require.NoError(t, err)
	}

	exported, err := source.Export(ctx, ShareTeam)
	require.NoError(t, err)
	require.Len(t, exported, 3)

	result, err := peer.Import(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Imported)
	assert.Equal(t, 0, result.Skipped)

	reExported, err := peer.Export(ctx, ShareTeam)
	require.NoError(t, err)
	require.Len(t, reExported, 3)
	byID := make(map[string]SharedPattern)
	for _, sp := range reExported {
		byID[sp.ID] = sp
	}
	for _, sp := range exported {
		got, ok := byID[sp.ID]
		require.True(t, ok, "pattern %s survives the round trip", sp.ID)
		assert.Equal(t, sp.Tags, got.Tags)
		assert.Equal(t, sp.Documentation, got.Documentation)
	}

	// Re-import is a no-op: duplicates skipped, never overwritten.
	result, err = peer.Import(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 3, result.Skipped)
}

func TestExportHidesPrivateContributors(t *testing.T) {
	team, _ := newTestTeam(t)
	ctx := context.Background()

	_, err := team.RegisterMember(ctx, TeamMember{
		ID: "secretive", Name: "s",
		Preferences: MemberPreferences{SharingLevel: SharePrivate},
	})
	require.NoError(t, err)
	registerMembers(t, team, "open")

	_, err = team.SharePattern(ctx, "private pattern", "secretive", "", nil)
	require.NoError(t, err)
	_, err = team.SharePattern(ctx, "team pattern", "open", "", nil)
	require.NoError(t, err)

	exported, err := team.Export(ctx, ShareTeam)
	require.NoError(t, err)
	require.Len(t, exported, 1)
	assert.Equal(t, "team pattern", exported[0].Pattern)
}

func TestKnowledgeGraph(t *testing.T) {
	team, _ := newTestTeam(t)
	ctx := context.Background()

	_, err := team.RegisterMember(ctx, TeamMember{ID: "a", Name: "a", Expertise: []string{"go", "sql"}})
	require.NoError(t, err)
	_, err = team.RegisterMember(ctx, TeamMember{ID: "b", Name: "b", Expertise: []string{"go"}})
	require.NoError(t, err)

	sp, err := team.SharePattern(ctx, "p", "a", "", nil)
	require.NoError(t, err)
	_, err = team.ValidatePattern(ctx, sp.ID, "b", Validation{Status: ValidationApprove, Score: 4})
	require.NoError(t, err)

	g, err := team.Graph(ctx)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 3) // two members, one pattern

	relations := make(map[string]int)
	for _, e := range g.Edges {
		relations[e.Relation]++
	}
	assert.Equal(t, 1, relations["contributed"])
	assert.Equal(t, 1, relations["validated"])
	assert.Equal(t, 1, relations["shares-expertise"])
}
