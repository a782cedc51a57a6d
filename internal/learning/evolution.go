package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"codelens/internal/bus"
	"codelens/internal/config"
	"codelens/internal/db"
	"codelens/internal/logging"
	"codelens/internal/types"
)

// EvolutionEventType classifies one recorded change.
type EvolutionEventType string

const (
	EvoFileCreated      EvolutionEventType = "file_created"
	EvoFileDeleted      EvolutionEventType = "file_deleted"
	EvoFileRenamed      EvolutionEventType = "file_renamed"
	EvoSymbolAdded      EvolutionEventType = "symbol_added"
	EvoSymbolRemoved    EvolutionEventType = "symbol_removed"
	EvoSymbolRenamed    EvolutionEventType = "symbol_renamed"
	EvoSignatureChanged EvolutionEventType = "signature_changed"
	EvoDependencyAdded  EvolutionEventType = "dependency_added"
	EvoDependencyRemove EvolutionEventType = "dependency_removed"
)

func validEvolutionType(t EvolutionEventType) bool {
	switch t {
	case EvoFileCreated, EvoFileDeleted, EvoFileRenamed,
		EvoSymbolAdded, EvoSymbolRemoved, EvoSymbolRenamed,
		EvoSignatureChanged, EvoDependencyAdded, EvoDependencyRemove:
		return true
	}
	return false
}

// Severity grades the blast radius of a change.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func validSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Impact estimates what a change touched.
type Impact struct {
	FilesAffected   int      `json:"files_affected"`
	SymbolsAffected int      `json:"symbols_affected"`
	TestsAffected   int      `json:"tests_affected"`
	Severity        Severity `json:"severity"`
}

// EvolutionEvent is one recorded workspace change.
type EvolutionEvent struct {
	ID        string              `json:"id"`
	Type      EvolutionEventType  `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	File      string              `json:"file"`
	Before    *types.FileSnapshot `json:"before,omitempty"`
	After     *types.FileSnapshot `json:"after,omitempty"`
	Context   types.ChangeContext `json:"context"`
	Impact    Impact              `json:"impact"`
	DiffSize  int                 `json:"diff_size"`
	Rollback  bool                `json:"rollback,omitempty"`
	Automated bool                `json:"automated,omitempty"`
}

// EvolutionPatternType classifies a recurring change shape.
type EvolutionPatternType string

const (
	EvoPatternRefactoring   EvolutionPatternType = "refactoring"
	EvoPatternMigration     EvolutionPatternType = "migration"
	EvoPatternGrowth        EvolutionPatternType = "growth"
	EvoPatternCleanup       EvolutionPatternType = "cleanup"
	EvoPatternArchitectural EvolutionPatternType = "architectural"
)

// EvolutionPattern is a recurring change detected over the event history.
type EvolutionPattern struct {
	ID          string               `json:"id"`
	Type        EvolutionPatternType `json:"type"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Frequency   int                  `json:"frequency"`
	Confidence  float64              `json:"confidence"`
	Examples    []string             `json:"examples,omitempty"`
	FilePattern string               `json:"file_pattern"`
	DetectedAt  time.Time            `json:"detected_at"`
	LastSeen    time.Time            `json:"last_seen"`
}

// QualityMetrics is one workspace quality snapshot.
type QualityMetrics struct {
	Timestamp    time.Time `json:"timestamp"`
	Complexity   Complexity `json:"complexity"`
	Duplication  Duplication `json:"duplication"`
	Dependencies DependencyCounts `json:"dependencies"`
	TestCoverage Coverage `json:"test_coverage"`
	Maintainability Maintainability `json:"maintainability"`
}

// Complexity aggregates complexity measures.
type Complexity struct {
	Cyclomatic float64 `json:"cyclomatic"`
	Cognitive  float64 `json:"cognitive"`
	Halstead   float64 `json:"halstead"`
}

// Duplication counts duplicated source.
type Duplication struct {
	Lines   int     `json:"lines"`
	Blocks  int     `json:"blocks"`
	Percent float64 `json:"percent"`
}

// DependencyCounts counts dependency edges.
type DependencyCounts struct {
	Internal int `json:"internal"`
	External int `json:"external"`
	Circular int `json:"circular"`
}

// Coverage is test coverage by kind.
type Coverage struct {
	Lines     float64 `json:"lines"`
	Branches  float64 `json:"branches"`
	Functions float64 `json:"functions"`
}

// Maintainability aggregates maintainability measures.
type Maintainability struct {
	Index     float64  `json:"index"`
	DebtHours float64  `json:"debt_hours"`
	Hotspots  []string `json:"hotspots,omitempty"`
}

// TrendDirection classifies a metric's movement over a period.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Trend is a linear fit over one numeric quality series. Strength is the
// fit's R².
type Trend struct {
	Metric    string         `json:"metric"`
	Direction TrendDirection `json:"direction"`
	Slope     float64        `json:"slope"`
	Strength  float64        `json:"strength"`
	Samples   int            `json:"samples"`
}

// EvolutionReport assembles a period's events, patterns, trends, and
// quality delta.
type EvolutionReport struct {
	Period         time.Duration               `json:"period"`
	EventCount     int                         `json:"event_count"`
	EventsByType   map[EvolutionEventType]int  `json:"events_by_type"`
	Patterns       []EvolutionPattern          `json:"patterns"`
	Trends         []Trend                     `json:"trends"`
	StartQuality   *QualityMetrics             `json:"start_quality,omitempty"`
	EndQuality     *QualityMetrics             `json:"end_quality,omitempty"`
	QualityChange  map[string]float64          `json:"quality_change_percent,omitempty"`
	Recommendations []string                   `json:"recommendations"`
}

const qualityWindow = 365 * 24 * time.Hour

// Tracker ingests evolution events, maintains a rolling quality window,
// and mines recurring change patterns.
type Tracker struct {
	store  *db.Service
	events *bus.Bus
	cfg    config.EvolutionConfig
	log    *logging.Logger

	mu      sync.Mutex
	quality []QualityMetrics

	detectMu      sync.Mutex
	detectPending bool
	detectWG      sync.WaitGroup
}

// NewTracker builds the evolution tracker over the shared store.
func NewTracker(store *db.Service, events *bus.Bus, cfg config.EvolutionConfig) *Tracker {
	return &Tracker{
		store:  store,
		events: events,
		cfg:    cfg,
		log:    logging.Get(logging.CategoryEvolve),
	}
}

// Record validates, persists, and schedules asynchronous pattern detection
// for one evolution event.
func (t *Tracker) Record(ctx context.Context, ev EvolutionEvent) (*EvolutionEvent, error) {
	if !validEvolutionType(ev.Type) {
		return nil, fmt.Errorf("%w: unknown evolution event type %q", types.ErrInvalidInput, ev.Type)
	}
	if ev.File == "" {
		return nil, fmt.Errorf("%w: file required", types.ErrInvalidInput)
	}
	if !validSeverity(ev.Impact.Severity) {
		if ev.Impact.Severity != "" {
			t.log.Warn("unknown severity %q sanitized to low", ev.Impact.Severity)
		}
		ev.Impact.Severity = SeverityLow
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	before, _ := json.Marshal(ev.Before)
	after, _ := json.Marshal(ev.After)
	meta, _ := json.Marshal(map[string]interface{}{
		"rollback":  ev.Rollback,
		"automated": ev.Automated,
	})
	_, err := t.store.Execute(ctx, `
		INSERT INTO evolution_events
			(id, event_type, timestamp, file, before_snapshot, after_snapshot,
			 commit_hash, author, branch, message,
			 files_affected, symbols_affected, tests_affected, severity, diff_size, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.Timestamp.Unix(), ev.File, string(before), string(after),
		ev.Context.Commit, ev.Context.Author, ev.Context.Branch, ev.Context.Message,
		ev.Impact.FilesAffected, ev.Impact.SymbolsAffected, ev.Impact.TestsAffected,
		string(ev.Impact.Severity), ev.DiffSize, string(meta))
	if err != nil {
		return nil, err
	}

	t.events.Emit(bus.TopicEvolutionRecorded, ev)
	t.scheduleDetection()
	return &ev, nil
}

// TrackFileChange derives an evolution event from a workspace file change:
// diff size, symbol deltas by heuristic count, and severity bumps for
// build/config files.
func (t *Tracker) TrackFileChange(ctx context.Context, fc types.FileChange) (*EvolutionEvent, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("%w: path required", types.ErrInvalidInput)
	}

	ev := EvolutionEvent{
		File:    fc.Path,
		Before:  fc.Before,
		After:   fc.After,
		Context: fc.Context,
	}

	switch fc.Type {
	case types.ChangeCreated:
		ev.Type = EvoFileCreated
	case types.ChangeDeleted:
		ev.Type = EvoFileDeleted
	case types.ChangeRenamed:
		ev.Type = EvoFileRenamed
	case types.ChangeModified:
		ev.Type = classifyModification(fc.Before, fc.After)
	default:
		return nil, fmt.Errorf("%w: unknown change type %q", types.ErrInvalidInput, fc.Type)
	}

	ev.DiffSize = diffSize(fc.Before, fc.After)
	ev.Impact = computeImpact(fc, ev.Type, ev.DiffSize)
	return t.Record(ctx, ev)
}

// classifyModification infers the most specific event type a modification
// implies from its snapshots.
func classifyModification(before, after *types.FileSnapshot) EvolutionEventType {
	if before == nil || after == nil {
		return EvoSignatureChanged
	}
	bd, ad := depSet(before.Dependencies), depSet(after.Dependencies)
	for d := range ad {
		if _, ok := bd[d]; !ok {
			return EvoDependencyAdded
		}
	}
	for d := range bd {
		if _, ok := ad[d]; !ok {
			return EvoDependencyRemove
		}
	}
	bc, ac := countSymbols(before.Content), countSymbols(after.Content)
	switch {
	case ac > bc:
		return EvoSymbolAdded
	case ac < bc:
		return EvoSymbolRemoved
	}
	if before.Signature != "" && after.Signature != "" && before.Signature != after.Signature {
		return EvoSignatureChanged
	}
	return EvoSignatureChanged
}

func depSet(deps []string) map[string]struct{} {
	out := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		out[d] = struct{}{}
	}
	return out
}

// countSymbols approximates declaration count across the languages the
// workspace scanner understands.
func countSymbols(content string) int {
	n := 0
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, kw := range []string{"func ", "function ", "class ", "def ", "interface ", "struct ", "const ", "type "} {
			if strings.HasPrefix(trimmed, kw) {
				n++
				break
			}
		}
	}
	return n
}

// diffSize counts lines that differ between the two snapshots.
func diffSize(before, after *types.FileSnapshot) int {
	var b, a string
	if before != nil {
		b = before.Content
	}
	if after != nil {
		a = after.Content
	}
	if b == a {
		return 0
	}
	counts := make(map[string]int)
	for _, line := range strings.Split(b, "\n") {
		counts[line]++
	}
	changed := 0
	for _, line := range strings.Split(a, "\n") {
		if counts[line] > 0 {
			counts[line]--
		} else {
			changed++
		}
	}
	for _, n := range counts {
		changed += n
	}
	return changed
}

// buildFiles are paths whose changes ripple through the whole workspace.
var buildFiles = map[string]bool{
	"go.mod": true, "go.sum": true, "package.json": true, "package-lock.json": true,
	"makefile": true, "dockerfile": true, "cargo.toml": true, "pyproject.toml": true,
	"tsconfig.json": true, "webpack.config.js": true,
}

func isBuildFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if buildFiles[base] {
		return true
	}
	switch filepath.Ext(base) {
	case ".yml", ".yaml", ".toml":
		return !strings.Contains(filepath.ToSlash(path), "/")
	}
	return false
}

func computeImpact(fc types.FileChange, evType EvolutionEventType, diff int) Impact {
	impact := Impact{FilesAffected: 1, Severity: SeverityLow}

	var bc, ac int
	if fc.Before != nil {
		bc = countSymbols(fc.Before.Content)
	}
	if fc.After != nil {
		ac = countSymbols(fc.After.Content)
	}
	if ac > bc {
		impact.SymbolsAffected = ac - bc
	} else {
		impact.SymbolsAffected = bc - ac
	}
	if strings.Contains(fc.Path, "_test") || strings.Contains(fc.Path, ".test.") || strings.Contains(filepath.ToSlash(fc.Path), "/test") {
		impact.TestsAffected = 1
	}

	switch {
	case diff > 500:
		impact.Severity = SeverityHigh
	case diff > 100:
		impact.Severity = SeverityMedium
	}
	if isBuildFile(fc.Path) {
		if evType == EvoFileDeleted {
			impact.Severity = SeverityCritical
		} else if impact.Severity != SeverityCritical {
			impact.Severity = SeverityHigh
		}
	}
	return impact
}

// RecordQualityMetrics appends a snapshot to the rolling in-memory window
// and persists it.
func (t *Tracker) RecordQualityMetrics(ctx context.Context, m QualityMetrics) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	t.mu.Lock()
	t.quality = append(t.quality, m)
	cutoff := time.Now().Add(-qualityWindow)
	for len(t.quality) > 0 && t.quality[0].Timestamp.Before(cutoff) {
		t.quality = t.quality[1:]
	}
	t.mu.Unlock()

	hotspots, _ := json.Marshal(m.Maintainability.Hotspots)
	_, err := t.store.Execute(ctx, `
		INSERT INTO quality_metrics
			(timestamp, cyclomatic, cognitive, halstead,
			 dup_lines, dup_blocks, dup_percent,
			 deps_internal, deps_external, deps_circular,
			 coverage_lines, coverage_branches, coverage_functions,
			 maintainability_index, debt_hours, hotspots)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Timestamp.Unix(), m.Complexity.Cyclomatic, m.Complexity.Cognitive, m.Complexity.Halstead,
		m.Duplication.Lines, m.Duplication.Blocks, m.Duplication.Percent,
		m.Dependencies.Internal, m.Dependencies.External, m.Dependencies.Circular,
		m.TestCoverage.Lines, m.TestCoverage.Branches, m.TestCoverage.Functions,
		m.Maintainability.Index, m.Maintainability.DebtHours, string(hotspots))
	if err != nil {
		return err
	}

	t.events.Emit(bus.TopicQualityRecorded, m)
	return nil
}

// scheduleDetection coalesces detection requests: at most one run is
// pending at a time.
func (t *Tracker) scheduleDetection() {
	t.detectMu.Lock()
	if t.detectPending {
		t.detectMu.Unlock()
		return
	}
	t.detectPending = true
	t.detectWG.Add(1)
	t.detectMu.Unlock()

	go func() {
		defer t.detectWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		t.detectMu.Lock()
		t.detectPending = false
		t.detectMu.Unlock()

		if _, err := t.DetectPatterns(ctx); err != nil {
			t.log.Warn("pattern detection failed: %v", err)
		}
	}()
}

// WaitForDetection blocks until any scheduled detection run completes.
func (t *Tracker) WaitForDetection() {
	t.detectWG.Wait()
}

// filePattern generalizes a path to its directory plus extension, the
// grouping key for detection.
func filePattern(path string) string {
	dir := filepath.ToSlash(filepath.Dir(path))
	return dir + "/*" + filepath.Ext(path)
}

// DetectPatterns groups recent events by (type, file pattern) and records
// groups that clear the occurrence and confidence floors.
func (t *Tracker) DetectPatterns(ctx context.Context) ([]EvolutionPattern, error) {
	maxAge := time.Duration(t.cfg.MaxPatternAgeDays) * 24 * time.Hour
	if maxAge <= 0 {
		maxAge = 90 * 24 * time.Hour
	}
	rows, err := t.store.Query(ctx, `
		SELECT id, event_type, file, timestamp FROM evolution_events
		WHERE timestamp >= ? ORDER BY timestamp`,
		time.Now().Add(-maxAge).Unix())
	if err != nil {
		return nil, err
	}

	type group struct {
		evType   EvolutionEventType
		pattern  string
		ids      []string
		lastSeen int64
	}
	groups := make(map[string]*group)
	for _, row := range rows {
		evType := EvolutionEventType(row["event_type"].(string))
		file, _ := row["file"].(string)
		ts, _ := row["timestamp"].(int64)

		key := string(evType) + "|" + filePattern(file)
		g, ok := groups[key]
		if !ok {
			g = &group{evType: evType, pattern: filePattern(file)}
			groups[key] = g
		}
		if id, ok := row["id"].(string); ok {
			g.ids = append(g.ids, id)
		}
		if ts > g.lastSeen {
			g.lastSeen = ts
		}
	}

	minOcc := t.cfg.MinOccurrences
	if minOcc <= 0 {
		minOcc = 3
	}
	var detected []EvolutionPattern
	for _, g := range groups {
		n := len(g.ids)
		if n < minOcc {
			continue
		}
		confidence := float64(n) / 10.0
		if confidence > 0.9 {
			confidence = 0.9
		}
		if confidence < t.cfg.MinConfidence {
			continue
		}

		pType := classifyPattern(g.evType)
		p := EvolutionPattern{
			ID:          fmt.Sprintf("evo:%s:%s", g.evType, g.pattern),
			Type:        pType,
			Name:        fmt.Sprintf("%s in %s", g.evType, g.pattern),
			Description: fmt.Sprintf("%d %s events on files matching %s", n, g.evType, g.pattern),
			Frequency:   n,
			Confidence:  confidence,
			Examples:    g.ids,
			FilePattern: g.pattern,
			DetectedAt:  time.Now(),
			LastSeen:    time.Unix(g.lastSeen, 0),
		}
		if err := t.upsertPattern(ctx, p); err != nil {
			return detected, err
		}
		detected = append(detected, p)
	}
	return detected, nil
}

func classifyPattern(evType EvolutionEventType) EvolutionPatternType {
	switch evType {
	case EvoSymbolRenamed, EvoFileRenamed:
		return EvoPatternRefactoring
	case EvoDependencyAdded, EvoDependencyRemove:
		return EvoPatternMigration
	case EvoFileCreated, EvoSymbolAdded:
		return EvoPatternGrowth
	case EvoFileDeleted, EvoSymbolRemoved:
		return EvoPatternCleanup
	}
	return EvoPatternArchitectural
}

func (t *Tracker) upsertPattern(ctx context.Context, p EvolutionPattern) error {
	examples, _ := json.Marshal(p.Examples)
	characteristics, _ := json.Marshal(map[string]interface{}{
		"file_pattern": p.FilePattern,
	})
	_, err := t.store.Execute(ctx, `
		INSERT INTO evolution_patterns
			(id, pattern_type, name, description, frequency, confidence, examples, characteristics, detected_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			frequency = excluded.frequency,
			confidence = excluded.confidence,
			examples = excluded.examples,
			last_seen = excluded.last_seen`,
		p.ID, string(p.Type), p.Name, p.Description, p.Frequency, p.Confidence,
		string(examples), string(characteristics), p.DetectedAt.Unix(), p.LastSeen.Unix())
	return err
}

// Patterns returns every stored evolution pattern.
func (t *Tracker) Patterns(ctx context.Context) ([]EvolutionPattern, error) {
	rows, err := t.store.Query(ctx, `
		SELECT id, pattern_type, name, description, frequency, confidence, examples, detected_at, last_seen
		FROM evolution_patterns ORDER BY frequency DESC`)
	if err != nil {
		return nil, err
	}
	out := make([]EvolutionPattern, 0, len(rows))
	for _, row := range rows {
		p := EvolutionPattern{
			ID:   row["id"].(string),
			Type: EvolutionPatternType(row["pattern_type"].(string)),
			Name: row["name"].(string),
		}
		if v, ok := row["description"].(string); ok {
			p.Description = v
		}
		if v, ok := row["frequency"].(int64); ok {
			p.Frequency = int(v)
		}
		if v, ok := row["confidence"].(float64); ok {
			p.Confidence = v
		}
		if v, ok := row["examples"].(string); ok && v != "" {
			_ = json.Unmarshal([]byte(v), &p.Examples)
		}
		if v, ok := row["detected_at"].(int64); ok {
			p.DetectedAt = time.Unix(v, 0)
		}
		if v, ok := row["last_seen"].(int64); ok {
			p.LastSeen = time.Unix(v, 0)
		}
		out = append(out, p)
	}
	return out, nil
}

// Trends fits a line to each numeric quality series over the period and
// classifies its direction with a 5% midpoint tolerance.
func (t *Tracker) Trends(ctx context.Context, period time.Duration) ([]Trend, error) {
	rows, err := t.store.Query(ctx, `
		SELECT timestamp, cyclomatic, deps_internal, deps_external, coverage_lines
		FROM quality_metrics WHERE timestamp >= ? ORDER BY timestamp`,
		time.Now().Add(-period).Unix())
	if err != nil {
		return nil, err
	}

	var xs, complexity, deps, coverage []float64
	for _, row := range rows {
		ts, _ := row["timestamp"].(int64)
		xs = append(xs, float64(ts))
		complexity = append(complexity, floatOf(row["cyclomatic"]))
		deps = append(deps, floatOf(row["deps_internal"])+floatOf(row["deps_external"]))
		coverage = append(coverage, floatOf(row["coverage_lines"]))
	}

	var trends []Trend
	for _, series := range []struct {
		name string
		ys   []float64
	}{
		{"complexity", complexity},
		{"dependency_growth", deps},
		{"test_coverage", coverage},
	} {
		if tr, ok := fitTrend(series.name, xs, series.ys); ok {
			trends = append(trends, tr)
		}
	}
	return trends, nil
}

func floatOf(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

// fitTrend runs ordinary least squares over the series. Fewer than two
// samples carry no trend.
func fitTrend(name string, xs, ys []float64) (Trend, bool) {
	if len(xs) < 2 || len(xs) != len(ys) {
		return Trend{}, false
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)

	tr := Trend{Metric: name, Slope: beta, Strength: r2, Samples: len(xs)}

	// Direction compares the fitted delta over the range against 5% of
	// the series midpoint.
	delta := beta * (xs[len(xs)-1] - xs[0])
	mid := stat.Mean(ys, nil)
	tolerance := 0.05 * abs(mid)
	switch {
	case delta > tolerance:
		tr.Direction = TrendIncreasing
	case delta < -tolerance:
		tr.Direction = TrendDecreasing
	default:
		tr.Direction = TrendStable
	}
	return tr, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// GenerateReport assembles events, patterns, trends, and the quality delta
// over the period, with prioritized recommendations. With no quality
// snapshots the report carries zero metrics.
func (t *Tracker) GenerateReport(ctx context.Context, period time.Duration) (*EvolutionReport, error) {
	since := time.Now().Add(-period).Unix()
	report := &EvolutionReport{
		Period:       period,
		EventsByType: make(map[EvolutionEventType]int),
	}

	rows, err := t.store.Query(ctx,
		"SELECT event_type, COUNT(*) AS n FROM evolution_events WHERE timestamp >= ? GROUP BY event_type", since)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		evType := EvolutionEventType(row["event_type"].(string))
		n := int(row["n"].(int64))
		report.EventsByType[evType] = n
		report.EventCount += n
	}

	if report.Patterns, err = t.Patterns(ctx); err != nil {
		return nil, err
	}
	if report.Trends, err = t.Trends(ctx, period); err != nil {
		return nil, err
	}

	snapshots, err := t.qualityRange(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(snapshots) > 0 {
		report.StartQuality = &snapshots[0]
		report.EndQuality = &snapshots[len(snapshots)-1]
		report.QualityChange = qualityDelta(report.StartQuality, report.EndQuality)
	}

	report.Recommendations = recommend(report)
	return report, nil
}

func (t *Tracker) qualityRange(ctx context.Context, since int64) ([]QualityMetrics, error) {
	rows, err := t.store.Query(ctx, `
		SELECT timestamp, cyclomatic, cognitive, halstead,
		       dup_lines, dup_blocks, dup_percent,
		       deps_internal, deps_external, deps_circular,
		       coverage_lines, coverage_branches, coverage_functions,
		       maintainability_index, debt_hours
		FROM quality_metrics WHERE timestamp >= ? ORDER BY timestamp`, since)
	if err != nil {
		return nil, err
	}
	out := make([]QualityMetrics, 0, len(rows))
	for _, row := range rows {
		m := QualityMetrics{
			Timestamp: time.Unix(row["timestamp"].(int64), 0),
			Complexity: Complexity{
				Cyclomatic: floatOf(row["cyclomatic"]),
				Cognitive:  floatOf(row["cognitive"]),
				Halstead:   floatOf(row["halstead"]),
			},
			Duplication: Duplication{
				Lines:   int(intOf(row["dup_lines"])),
				Blocks:  int(intOf(row["dup_blocks"])),
				Percent: floatOf(row["dup_percent"]),
			},
			Dependencies: DependencyCounts{
				Internal: int(intOf(row["deps_internal"])),
				External: int(intOf(row["deps_external"])),
				Circular: int(intOf(row["deps_circular"])),
			},
			TestCoverage: Coverage{
				Lines:     floatOf(row["coverage_lines"]),
				Branches:  floatOf(row["coverage_branches"]),
				Functions: floatOf(row["coverage_functions"]),
			},
			Maintainability: Maintainability{
				Index:     floatOf(row["maintainability_index"]),
				DebtHours: floatOf(row["debt_hours"]),
			},
		}
		out = append(out, m)
	}
	return out, nil
}

func intOf(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func qualityDelta(start, end *QualityMetrics) map[string]float64 {
	pct := func(from, to float64) float64 {
		if from == 0 {
			if to == 0 {
				return 0
			}
			return 100
		}
		return (to - from) / from * 100
	}
	return map[string]float64{
		"complexity":      pct(start.Complexity.Cyclomatic, end.Complexity.Cyclomatic),
		"duplication":     pct(start.Duplication.Percent, end.Duplication.Percent),
		"test_coverage":   pct(start.TestCoverage.Lines, end.TestCoverage.Lines),
		"maintainability": pct(start.Maintainability.Index, end.Maintainability.Index),
	}
}

func recommend(r *EvolutionReport) []string {
	var recs []string
	for _, tr := range r.Trends {
		switch {
		case tr.Metric == "complexity" && tr.Direction == TrendIncreasing && tr.Strength > 0.5:
			recs = append(recs, "high priority: complexity is rising steadily; schedule a refactoring pass on the hotspots")
		case tr.Metric == "test_coverage" && tr.Direction == TrendDecreasing:
			recs = append(recs, "test coverage is falling; require tests with new changes")
		case tr.Metric == "dependency_growth" && tr.Direction == TrendIncreasing && tr.Strength > 0.5:
			recs = append(recs, "dependency count is growing quickly; audit for unused or duplicated dependencies")
		}
	}
	if r.EndQuality != nil && r.EndQuality.Dependencies.Circular > 0 {
		recs = append(recs, fmt.Sprintf("%d circular dependencies present; break the cycles before they spread", r.EndQuality.Dependencies.Circular))
	}
	if len(recs) == 0 {
		recs = append(recs, "no action needed; quality metrics are stable")
	}
	return recs
}
