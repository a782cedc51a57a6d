// Package learning implements the adaptive subsystem: the feedback loop
// that tunes pattern confidence, the evolution tracker that mines change
// history, team knowledge sharing, and the orchestrator that coordinates
// them under a concurrency cap.
package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/db"
	"codelens/internal/logging"
	"codelens/internal/types"
)

// FeedbackType classifies a user's reaction to a suggestion.
type FeedbackType string

const (
	FeedbackAccept FeedbackType = "accept"
	FeedbackReject FeedbackType = "reject"
	FeedbackModify FeedbackType = "modify"
	FeedbackIgnore FeedbackType = "ignore"
)

func validFeedbackType(t FeedbackType) bool {
	switch t {
	case FeedbackAccept, FeedbackReject, FeedbackModify, FeedbackIgnore:
		return true
	}
	return false
}

// Feedback is one recorded user reaction.
type Feedback struct {
	ID               string       `json:"id"`
	Type             FeedbackType `json:"type"`
	SuggestionID     string       `json:"suggestion_id"`
	PatternID        string       `json:"pattern_id,omitempty"`
	Original         string       `json:"original,omitempty"`
	Final            string       `json:"final,omitempty"`
	File             string       `json:"file,omitempty"`
	Operation        string       `json:"operation,omitempty"`
	Confidence       float64      `json:"confidence"`
	Source           string       `json:"source,omitempty"`
	TimeToDecisionMs int64        `json:"time_to_decision_ms,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
	Metadata         string       `json:"metadata,omitempty"`
}

// RecordedEvent is the payload emitted on feedback-recorded.
type RecordedEvent struct {
	ID        string       `json:"id"`
	Type      FeedbackType `json:"type"`
	PatternID string       `json:"pattern_id,omitempty"`
	Sanitized bool         `json:"sanitized"`
}

// PatternFeedback aggregates feedback for one pattern.
type PatternFeedback struct {
	Usage          int64   `json:"usage"`
	Accepted       int64   `json:"accepted"`
	AcceptanceRate float64 `json:"acceptance_rate"`
}

// FeedbackStats is the Stats result.
type FeedbackStats struct {
	Total          int64                       `json:"total"`
	ByType         map[FeedbackType]int64      `json:"by_type"`
	AcceptanceRate float64                     `json:"acceptance_rate"`
	PerPattern     map[string]PatternFeedback  `json:"per_pattern"`
	Last24h        int64                       `json:"last_24h"`
	Last7d         int64                       `json:"last_7d"`
	Last30d        int64                       `json:"last_30d"`
}

// Insight is a derived observation about the learning state.
type Insight struct {
	Type        string  `json:"type"` // pattern_weakness | pattern_strength | user_preference
	PatternID   string  `json:"pattern_id,omitempty"`
	Description string  `json:"description"`
	Value       float64 `json:"value"`
}

// Loop is the feedback service. Invalid submissions are sanitized rather
// than rejected: losing signal is worse than storing a cleaned-up record.
// An in-memory append-only history backs GetFeedback even when the store is
// unreachable, so reconnection can reconcile.
type Loop struct {
	store  *db.Service
	events *bus.Bus
	cfg    config.FeedbackConfig
	log    *logging.Logger

	mu      sync.Mutex
	history []Feedback
	byID    map[string]*Feedback
}

// NewLoop builds the feedback loop over the shared store.
func NewLoop(store *db.Service, events *bus.Bus, cfg config.FeedbackConfig) *Loop {
	return &Loop{
		store:  store,
		events: events,
		cfg:    cfg,
		log:    logging.Get(logging.CategoryFeedback),
		byID:   make(map[string]*Feedback),
	}
}

// GetFeedback returns the in-memory record for an id, or nil.
func (l *Loop) GetFeedback(id string) *Feedback {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fb, ok := l.byID[id]; ok {
		out := *fb
		return &out
	}
	return nil
}

// HistoryLen returns the number of feedback items held in memory.
func (l *Loop) HistoryLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}

// Record sanitizes and persists one feedback item, then adjusts the
// associated pattern's confidence. Returns the stored (sanitized) record.
func (l *Loop) Record(ctx context.Context, fb Feedback) (*Feedback, error) {
	sanitized := false
	if !validFeedbackType(fb.Type) {
		l.log.Warn("unknown feedback type %q sanitized to accept", fb.Type)
		fb.Type = FeedbackAccept
		sanitized = true
	}
	if fb.Confidence < 0 {
		fb.Confidence = 0
		sanitized = true
	} else if fb.Confidence > 1 {
		fb.Confidence = 1
		sanitized = true
	}
	if fb.Timestamp.IsZero() {
		fb.Timestamp = time.Now()
		sanitized = true
	}
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.SuggestionID == "" {
		return nil, fmt.Errorf("%w: suggestion_id required", types.ErrInvalidInput)
	}

	// The in-memory history accepts the event before the store does; a lost
	// database connection must not lose the signal.
	l.mu.Lock()
	l.history = append(l.history, fb)
	l.byID[fb.ID] = &l.history[len(l.history)-1]
	l.mu.Unlock()

	accepted := 0
	if fb.Type == FeedbackAccept {
		accepted = 1
	}
	_, err := l.store.Execute(ctx, `
		INSERT INTO learning_feedback
			(id, feedback_type, suggestion_id, pattern_id, original, final, accepted,
			 file, operation, confidence, source, time_to_decision_ms, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, string(fb.Type), fb.SuggestionID, nullable(fb.PatternID), fb.Original, fb.Final,
		accepted, fb.File, fb.Operation, fb.Confidence, fb.Source,
		fb.TimeToDecisionMs, fb.Timestamp.Unix(), fb.Metadata)
	if err != nil {
		return nil, err
	}

	if fb.PatternID != "" {
		if err := l.adjustPattern(ctx, fb.PatternID, fb.Type); err != nil {
			l.log.Warn("pattern adjustment failed for %s: %v", fb.PatternID, err)
		}
	}

	l.events.Emit(bus.TopicFeedbackRecorded, RecordedEvent{
		ID: fb.ID, Type: fb.Type, PatternID: fb.PatternID, Sanitized: sanitized,
	})
	return &fb, nil
}

// confidenceDelta returns the signed adjustment for one reaction. Gains
// shrink as confidence approaches 1; losses shrink as it approaches 0, so
// confidence stays in [0,1] without hard clamping doing the work.
func confidenceDelta(t FeedbackType, c float64) float64 {
	switch t {
	case FeedbackAccept:
		return min64(0.1, (1-c)*0.2)
	case FeedbackReject:
		return -min64(0.2, c*0.3)
	case FeedbackModify:
		return -min64(0.05, c*0.1)
	case FeedbackIgnore:
		return -min64(0.02, c*0.05)
	}
	return 0
}

func (l *Loop) adjustPattern(ctx context.Context, patternID string, t FeedbackType) error {
	return l.store.Transaction(ctx, func(tx *db.Tx) error {
		rows, err := tx.Query(ctx, "SELECT confidence FROM patterns WHERE id = ?", patternID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: pattern %s not found", types.ErrInvalidInput, patternID)
		}
		c, _ := rows[0]["confidence"].(float64)
		c = clamp01(c + confidenceDelta(t, c))

		now := time.Now().Unix()
		if t == FeedbackAccept {
			_, err = tx.Execute(ctx, `
				UPDATE patterns SET confidence = ?, occurrences = occurrences + 1, last_applied = ?
				WHERE id = ?`, c, now, patternID)
		} else {
			_, err = tx.Execute(ctx, "UPDATE patterns SET confidence = ? WHERE id = ?", c, patternID)
		}
		return err
	})
}

// LearnFromCorrection records a user correction against a feedback item.
// A small edit (similarity at or above the threshold) refines the pattern
// the feedback referenced; a wholesale rewrite seeds a new correction
// pattern instead. Returns the normalized similarity.
func (l *Loop) LearnFromCorrection(ctx context.Context, feedbackID, original, corrected string) (float64, error) {
	if feedbackID == "" || original == "" || corrected == "" {
		return 0, fmt.Errorf("%w: feedback_id, original, and corrected required", types.ErrInvalidInput)
	}

	similarity := Similarity(original, corrected)
	_, err := l.store.Execute(ctx, `
		INSERT INTO feedback_corrections (feedback_id, original, corrected, similarity, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		feedbackID, original, corrected, similarity, time.Now().Unix())
	if err != nil {
		return similarity, err
	}

	if similarity >= l.cfg.SimilarityThreshold {
		if patternID := l.referencedPattern(ctx, feedbackID); patternID != "" {
			return similarity, l.refinePattern(ctx, patternID, corrected)
		}
		// Nothing to refine; fall through to seeding.
	}

	now := time.Now().Unix()
	_, err = l.store.Execute(ctx, `
		INSERT INTO patterns (id, from_template, to_template, confidence, occurrences, category, created_at)
		VALUES (?, ?, ?, 0.5, 1, 'correction', ?)
		ON CONFLICT(id) DO UPDATE SET occurrences = occurrences + 1`,
		correctionPatternID(original, corrected), original, corrected, now)
	return similarity, err
}

// referencedPattern resolves the pattern a feedback item was recorded
// against, checking the in-memory history before the store.
func (l *Loop) referencedPattern(ctx context.Context, feedbackID string) string {
	if fb := l.GetFeedback(feedbackID); fb != nil {
		return fb.PatternID
	}
	rows, err := l.store.Query(ctx, "SELECT pattern_id FROM learning_feedback WHERE id = ?", feedbackID)
	if err != nil || len(rows) == 0 {
		return ""
	}
	id, _ := rows[0]["pattern_id"].(string)
	return id
}

// refinePattern folds a near-match correction into an existing pattern:
// the rewrite target becomes the user's corrected text and the occurrence
// is counted.
func (l *Loop) refinePattern(ctx context.Context, patternID, corrected string) error {
	return l.store.Transaction(ctx, func(tx *db.Tx) error {
		rows, err := tx.Query(ctx, "SELECT id FROM patterns WHERE id = ?", patternID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: pattern %s not found", types.ErrInvalidInput, patternID)
		}
		_, err = tx.Execute(ctx, `
			UPDATE patterns SET to_template = ?, occurrences = occurrences + 1, last_applied = ?
			WHERE id = ?`, corrected, time.Now().Unix(), patternID)
		return err
	})
}

// Similarity is the normalized Levenshtein similarity in [0,1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// Stats aggregates feedback counts overall, per type, per pattern, and in
// trailing 24h/7d/30d buckets.
func (l *Loop) Stats(ctx context.Context) (*FeedbackStats, error) {
	stats := &FeedbackStats{
		ByType:     make(map[FeedbackType]int64),
		PerPattern: make(map[string]PatternFeedback),
	}

	rows, err := l.store.Query(ctx, `
		SELECT feedback_type, COUNT(*) AS n, SUM(accepted) AS acc
		FROM learning_feedback GROUP BY feedback_type`)
	if err != nil {
		return nil, err
	}
	var totalAccepted int64
	for _, row := range rows {
		t := FeedbackType(row["feedback_type"].(string))
		n := row["n"].(int64)
		stats.ByType[t] = n
		stats.Total += n
		if acc, ok := row["acc"].(int64); ok {
			totalAccepted += acc
		}
	}
	if stats.Total > 0 {
		stats.AcceptanceRate = float64(totalAccepted) / float64(stats.Total)
	}

	rows, err = l.store.Query(ctx, `
		SELECT pattern_id, COUNT(*) AS n, SUM(accepted) AS acc
		FROM learning_feedback
		WHERE pattern_id IS NOT NULL
		GROUP BY pattern_id`)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		id, _ := row["pattern_id"].(string)
		if id == "" {
			continue
		}
		n := row["n"].(int64)
		var acc int64
		if v, ok := row["acc"].(int64); ok {
			acc = v
		}
		pf := PatternFeedback{Usage: n, Accepted: acc}
		if n > 0 {
			pf.AcceptanceRate = float64(acc) / float64(n)
		}
		stats.PerPattern[id] = pf
	}

	now := time.Now()
	for _, bucket := range []struct {
		since time.Duration
		dst   *int64
	}{
		{24 * time.Hour, &stats.Last24h},
		{7 * 24 * time.Hour, &stats.Last7d},
		{30 * 24 * time.Hour, &stats.Last30d},
	} {
		rows, err := l.store.Query(ctx,
			"SELECT COUNT(*) AS n FROM learning_feedback WHERE created_at >= ?",
			now.Add(-bucket.since).Unix())
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			*bucket.dst = rows[0]["n"].(int64)
		}
	}
	return stats, nil
}

// Insights derives weakness/strength/preference observations from the
// accumulated feedback.
func (l *Loop) Insights(ctx context.Context) ([]Insight, error) {
	stats, err := l.Stats(ctx)
	if err != nil {
		return nil, err
	}

	var insights []Insight
	minUsage := int64(l.cfg.MinToLearn)
	for id, pf := range stats.PerPattern {
		if pf.Usage < minUsage {
			continue
		}
		switch {
		case pf.AcceptanceRate < l.cfg.WeakThreshold:
			insights = append(insights, Insight{
				Type:        "pattern_weakness",
				PatternID:   id,
				Description: fmt.Sprintf("pattern %s accepted %.0f%% of the time over %d uses", id, pf.AcceptanceRate*100, pf.Usage),
				Value:       pf.AcceptanceRate,
			})
		case pf.AcceptanceRate > l.cfg.StrongThreshold:
			insights = append(insights, Insight{
				Type:        "pattern_strength",
				PatternID:   id,
				Description: fmt.Sprintf("pattern %s accepted %.0f%% of the time over %d uses", id, pf.AcceptanceRate*100, pf.Usage),
				Value:       pf.AcceptanceRate,
			})
		}
	}

	if stats.Total >= int64(l.cfg.MinToLearn) {
		modRate := float64(stats.ByType[FeedbackModify]) / float64(stats.Total)
		if modRate > 0.4 {
			insights = append(insights, Insight{
				Type:        "user_preference",
				Description: fmt.Sprintf("%.0f%% of suggestions are modified before use; templates likely miss local conventions", modRate*100),
				Value:       modRate,
			})
		}
	}
	return insights, nil
}

func correctionPatternID(original, corrected string) string {
	return "corr:" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(original+"\x00"+corrected)).String()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
