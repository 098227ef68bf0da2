// Package pipeline executes investigations: DAGs of analysis phases driven
// through the engine, with dependency resolution, optional parallel
// scheduling, adaptive phase injection, evidence ingestion and state
// snapshots.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	dps "github.com/markusmobius/go-dateparser"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/engine"
	"github.com/casetrace/casetrace/internal/logging"
)

// Mode selects the phase scheduler.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Config controls pipeline behavior.
type Config struct {
	// Mode selects sequential or parallel phase scheduling.
	Mode Mode

	// Adaptive enables follow-up phase injection on anomaly signals.
	Adaptive bool

	// ContinueOnError keeps scheduling after a failed phase.
	ContinueOnError bool

	// Timeout bounds a whole investigation. Zero disables the deadline.
	Timeout time.Duration

	// MaxPlannedPhases caps explorer-driven investigations.
	MaxPlannedPhases int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeSequential,
		Adaptive:         false,
		ContinueOnError:  false,
		Timeout:          0,
		MaxPlannedPhases: 12,
	}
}

// Pipeline owns investigations from creation to terminal status.
type Pipeline struct {
	engine   *engine.Engine
	config   Config
	explorer Explorer
	metrics  *Metrics
	logger   *logging.Logger
	tracer   trace.Tracer

	// mu guards the investigations map and all investigation mutation.
	// Phase execution itself runs outside the lock; only aggregation
	// (harvest, errors, status) takes it.
	mu             sync.Mutex
	investigations map[string]*domain.Investigation
}

// New creates a pipeline on top of an engine.
func New(eng *engine.Engine, config Config, reg prometheus.Registerer) *Pipeline {
	return &Pipeline{
		engine:         eng,
		config:         config,
		metrics:        NewMetrics(reg),
		logger:         logging.GetLogger("pipeline"),
		investigations: make(map[string]*domain.Investigation),
	}
}

// SetExplorer installs a phase planner used when Investigate receives no
// explicit phases.
func (p *Pipeline) SetExplorer(e Explorer) { p.explorer = e }

// SetTracer installs an OpenTelemetry tracer. A nil tracer (the default)
// disables span creation.
func (p *Pipeline) SetTracer(tracer trace.Tracer) { p.tracer = tracer }

// Investigate creates and fully executes an investigation, returning its
// terminal view.
func (p *Pipeline) Investigate(ctx context.Context, initialContext map[string]interface{}, objectives []string, phases []*domain.InvestigationPhase) (map[string]interface{}, error) {
	inv := &domain.Investigation{
		ID:                 uuid.New().String(),
		InitialContext:     initialContext,
		Objectives:         objectives,
		Status:             domain.InvestigationRunning,
		CreatedAt:          time.Now().UTC(),
		EntitiesDiscovered: make(map[string]domain.Entity),
		Findings:           make(map[string]map[string]interface{}),
	}
	for _, phase := range phases {
		phase.Status = domain.PhasePending
		inv.Phases = append(inv.Phases, phase)
	}

	p.mu.Lock()
	p.investigations[inv.ID] = inv
	p.mu.Unlock()

	runCtx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	structural := false
	switch {
	case len(inv.Phases) == 0 && p.explorer != nil:
		p.runExplorer(runCtx, inv)
	default:
		if len(inv.Phases) == 0 {
			p.installDefaultPhases(inv)
		}
		if err := validatePhases(inv.Phases); err != nil {
			p.appendError(inv, err.Error())
			p.skipPending(inv, "Dependencies not met")
			structural = true
		} else if p.config.Mode == ModeParallel {
			structural = p.runParallel(runCtx, inv)
		} else {
			p.runSequential(runCtx, inv)
		}
	}

	p.finalize(runCtx, inv, structural)
	return p.view(inv, false), nil
}

// AddEvidence appends evidence to an investigation. occurredAt is a
// free-text date hint; unparseable hints fall back to ingestion time.
// When the pipeline is adaptive and the investigation is still running,
// a follow-up extraction phase runs over the evidence body.
func (p *Pipeline) AddEvidence(ctx context.Context, investigationID, content, source, occurredAt string) bool {
	p.mu.Lock()
	inv, ok := p.investigations[investigationID]
	if !ok {
		p.mu.Unlock()
		return false
	}

	ev := domain.Evidence{
		ID:      uuid.New().String(),
		Content: content,
		Source:  source,
		AddedAt: time.Now().UTC(),
	}
	if occurredAt != "" {
		if parsed, err := (&dps.Parser{}).Parse(&dps.Configuration{}, occurredAt); err == nil && !parsed.IsZero() {
			t := parsed.Time.UTC()
			ev.OccurredAt = &t
		} else {
			p.logger.Warn("Unparseable occurred_at hint %q, using ingestion time", occurredAt)
		}
	}
	inv.Evidence = append(inv.Evidence, ev)

	followUp := p.config.Adaptive && inv.Status == domain.InvestigationRunning
	var phase *domain.InvestigationPhase
	if followUp {
		inv.AdaptiveActions++
		phase = &domain.InvestigationPhase{
			Name: fmt.Sprintf("evidence_extraction_%d", len(inv.Evidence)),
			Kind: domain.KindEntityExtraction,
			Parameters: map[string]interface{}{
				"text":        content,
				"evidence_id": ev.ID,
			},
			Status: domain.PhasePending,
		}
		inv.Phases = append(inv.Phases, phase)
		p.metrics.recordAdaptive()
	}
	p.mu.Unlock()

	if phase != nil {
		p.executePhase(ctx, inv, phase)
	}
	return true
}

// GetInvestigation returns the view of an investigation including its
// evidence, or nil when unknown.
func (p *Pipeline) GetInvestigation(id string) map[string]interface{} {
	p.mu.Lock()
	inv, ok := p.investigations[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.view(inv, true)
}

// GetMetrics returns a snapshot of the pipeline counters.
func (p *Pipeline) GetMetrics() map[string]interface{} { return p.metrics.Snapshot() }

func (p *Pipeline) installDefaultPhases(inv *domain.Investigation) {
	inv.Phases = []*domain.InvestigationPhase{
		{Name: "extract", Kind: domain.KindEntityExtraction, Status: domain.PhasePending},
		{Name: "map", Kind: domain.KindRelationshipMapping, DependsOn: []string{"extract"}, Status: domain.PhasePending},
		{Name: "analyze", Kind: domain.KindCommunityDetection, DependsOn: []string{"extract", "map"}, Status: domain.PhasePending},
	}
}

// validatePhases rejects duplicate names and dangling dependencies before
// any phase runs.
func validatePhases(phases []*domain.InvestigationPhase) error {
	names := make(map[string]bool, len(phases))
	for _, phase := range phases {
		if names[phase.Name] {
			return fmt.Errorf("duplicate phase name %q", phase.Name)
		}
		names[phase.Name] = true
	}
	for _, phase := range phases {
		for _, dep := range phase.DependsOn {
			if !names[dep] {
				return fmt.Errorf("phase %q depends on unknown phase %q", phase.Name, dep)
			}
		}
	}
	return nil
}

func (p *Pipeline) runSequential(ctx context.Context, inv *domain.Investigation) {
	for i := 0; i < len(inv.Phases); i++ {
		phase := inv.Phases[i]
		if phase.Status.Terminal() {
			continue
		}
		if ctx.Err() != nil {
			p.cancelPending(inv)
			return
		}
		if !p.dependenciesCompleted(inv, phase) {
			p.markSkipped(inv, phase, "Dependencies not met")
			continue
		}

		p.executePhase(ctx, inv, phase)
		if phase.Status == domain.PhaseFailed && !p.config.ContinueOnError {
			p.cancelPending(inv)
			return
		}
	}
}

// runParallel schedules rounds of ready phases until the DAG drains. It
// reports whether a structural error (cycle or unsatisfiable dependency)
// was detected.
func (p *Pipeline) runParallel(ctx context.Context, inv *domain.Investigation) bool {
	for {
		if ctx.Err() != nil {
			p.cancelPending(inv)
			return false
		}

		ready, pending := p.readyPhases(inv)
		if len(ready) == 0 {
			if pending > 0 {
				p.appendError(inv, "dependency cycle or unsatisfiable dependency detected")
				p.skipPending(inv, "Dependencies not met")
				return true
			}
			return false
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, phase := range ready {
			g.Go(func() error {
				p.executePhase(gctx, inv, phase)
				return nil
			})
		}
		_ = g.Wait()

		if !p.config.ContinueOnError {
			for _, phase := range ready {
				if phase.Status == domain.PhaseFailed {
					p.cancelPending(inv)
					return false
				}
			}
		}
	}
}

// runExplorer lets the configured planner grow the phase list one step at
// a time until it declines or the phase budget is spent.
func (p *Pipeline) runExplorer(ctx context.Context, inv *domain.Investigation) {
	var completed []string
	for len(inv.Phases) < p.config.MaxPlannedPhases {
		if ctx.Err() != nil {
			return
		}

		phase, err := p.explorer.PlanNextPhase(ctx, inv, completed)
		if err != nil {
			p.appendError(inv, fmt.Sprintf("exploration planning failed: %v", err))
			return
		}
		if phase == nil {
			return
		}
		phase.Status = domain.PhasePending

		p.mu.Lock()
		inv.Phases = append(inv.Phases, phase)
		p.mu.Unlock()

		p.executePhase(ctx, inv, phase)
		if updater, ok := p.explorer.(hypothesisUpdater); ok {
			updater.UpdateHypotheses(inv.ID, phase)
		}
		if phase.Status == domain.PhaseCompleted {
			completed = append(completed, phase.Name)
		} else if !p.config.ContinueOnError {
			return
		}
	}
}

// executePhase runs one phase through the engine and folds the result into
// the investigation.
func (p *Pipeline) executePhase(ctx context.Context, inv *domain.Investigation, phase *domain.InvestigationPhase) {
	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "pipeline.phase", trace.WithAttributes(
			attribute.String("phase.name", phase.Name),
			attribute.String("phase.kind", string(phase.Kind)),
		))
		defer span.End()
	}

	p.mu.Lock()
	phase.Status = domain.PhaseRunning
	started := time.Now().UTC()
	phase.StartedAt = &started
	req := domain.AnalysisRequest{
		Kind:       phase.Kind,
		Parameters: p.weaveParameters(inv, phase),
		Context:    p.phaseContext(inv),
	}
	phase.Parameters = req.Parameters
	p.mu.Unlock()

	result := p.engine.Analyze(ctx, req)

	p.mu.Lock()
	completed := time.Now().UTC()
	phase.Result = result
	phase.CompletedAt = &completed
	if result.Success {
		phase.Status = domain.PhaseCompleted
		p.harvest(inv, phase, result)
	} else {
		phase.Status = domain.PhaseFailed
		for _, msg := range result.Errors {
			inv.Errors = append(inv.Errors, fmt.Sprintf("%s: %s", phase.Name, msg))
		}
	}
	inject := result.Success && p.shouldInject(phase, result)
	var injected *domain.InvestigationPhase
	if inject {
		inv.AdaptiveActions++
		injected = &domain.InvestigationPhase{
			Name:      fmt.Sprintf("anomaly_followup_%d", inv.AdaptiveActions),
			Kind:      domain.KindAnomalyDetection,
			DependsOn: []string{phase.Name},
			Parameters: map[string]interface{}{
				"triggered_by": phase.Name,
				"context":      result.Data,
			},
			Status: domain.PhasePending,
		}
		inv.Phases = append(inv.Phases, injected)
		p.metrics.recordAdaptive()
	}
	p.mu.Unlock()

	p.metrics.recordPhase(phase.Kind, phase.Status, completed.Sub(started))
	if span != nil {
		span.SetAttributes(attribute.String("phase.status", string(phase.Status)))
	}

	if injected != nil {
		p.logger.Info("Adaptive injection after phase %s", phase.Name)
		p.executePhase(ctx, inv, injected)
	}
}

// shouldInject fires on an anomaly signal unless the completing phase is
// itself an injected follow-up, which would loop.
func (p *Pipeline) shouldInject(phase *domain.InvestigationPhase, result *domain.AnalysisResult) bool {
	if !p.config.Adaptive {
		return false
	}
	if _, alreadyInjected := phase.Parameters["triggered_by"]; alreadyInjected {
		return false
	}
	detected, _ := result.Metadata["anomaly_detected"].(bool)
	return detected
}

// weaveParameters decorates phase parameters with context accumulated by
// earlier phases. Callers hold p.mu.
func (p *Pipeline) weaveParameters(inv *domain.Investigation, phase *domain.InvestigationPhase) map[string]interface{} {
	params := make(map[string]interface{}, len(phase.Parameters)+1)
	for k, v := range phase.Parameters {
		params[k] = v
	}

	switch phase.Kind {
	case domain.KindEntityExtraction:
		if _, ok := params["text"]; !ok {
			if text := contextText(inv.InitialContext); text != "" {
				params["text"] = text
			}
		}
	case domain.KindRelationshipMapping:
		if _, ok := params["entity_ids"]; !ok && len(inv.EntitiesDiscovered) > 0 {
			params["entity_ids"] = discoveredIDs(inv)
		}
	case domain.KindAnomalyDetection:
		if _, ok := params["entity_type"]; !ok {
			if dominant := dominantEntityType(inv); dominant != "" {
				params["entity_type"] = dominant
			}
		}
	}
	return params
}

func (p *Pipeline) phaseContext(inv *domain.Investigation) map[string]interface{} {
	ctx := map[string]interface{}{"investigation_id": inv.ID}
	for k, v := range inv.InitialContext {
		ctx[k] = v
	}
	return ctx
}

// harvest merges phase discoveries into the investigation. Entity map keys
// are unique; repeated discoveries update rather than duplicate. Callers
// hold p.mu.
func (p *Pipeline) harvest(inv *domain.Investigation, phase *domain.InvestigationPhase, result *domain.AnalysisResult) {
	inv.Findings[phase.Name] = result.Data

	for _, record := range recordSlice(result.Data["entities"]) {
		entity := entityFromRecord(record)
		if entity.ID == "" {
			continue
		}
		inv.EntitiesDiscovered[entity.ID] = entity
	}

	seen := make(map[string]bool, len(inv.RelationshipsDiscovered))
	for _, rel := range inv.RelationshipsDiscovered {
		seen[rel.ID] = true
	}
	for _, record := range recordSlice(result.Data["relationships"]) {
		rel := relationshipFromRecord(record)
		if rel.ID == "" || seen[rel.ID] {
			continue
		}
		seen[rel.ID] = true
		inv.RelationshipsDiscovered = append(inv.RelationshipsDiscovered, rel)
	}
}

func (p *Pipeline) dependenciesCompleted(inv *domain.Investigation, phase *domain.InvestigationPhase) bool {
	for _, dep := range phase.DependsOn {
		depPhase := inv.Phase(dep)
		if depPhase == nil || depPhase.Status != domain.PhaseCompleted {
			return false
		}
	}
	return true
}

// readyPhases snapshots the pending phases whose dependencies are all
// completed, plus the total pending count.
func (p *Pipeline) readyPhases(inv *domain.Investigation) ([]*domain.InvestigationPhase, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []*domain.InvestigationPhase
	pending := 0
	for _, phase := range inv.Phases {
		if phase.Status != domain.PhasePending {
			continue
		}
		pending++
		if p.dependenciesCompleted(inv, phase) {
			ready = append(ready, phase)
		}
	}
	return ready, pending
}

func (p *Pipeline) markSkipped(inv *domain.Investigation, phase *domain.InvestigationPhase, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	phase.Status = domain.PhaseSkipped
	phase.Result = domain.NewFailure(domain.AnalysisRequest{Kind: phase.Kind}, "%s", reason)
}

func (p *Pipeline) skipPending(inv *domain.Investigation, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, phase := range inv.Phases {
		if phase.Status == domain.PhasePending {
			phase.Status = domain.PhaseSkipped
			phase.Result = domain.NewFailure(domain.AnalysisRequest{Kind: phase.Kind}, "%s", reason)
		}
	}
}

func (p *Pipeline) cancelPending(inv *domain.Investigation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, phase := range inv.Phases {
		if phase.Status == domain.PhasePending {
			phase.Status = domain.PhaseCancelled
		}
	}
}

func (p *Pipeline) appendError(inv *domain.Investigation, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv.Errors = append(inv.Errors, msg)
}

// finalize assigns the terminal status after the schedule drains.
func (p *Pipeline) finalize(ctx context.Context, inv *domain.Investigation, structural bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	failed := 0
	for _, phase := range inv.Phases {
		if phase.Status == domain.PhaseFailed {
			failed++
		}
	}

	switch {
	case p.config.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded):
		inv.Status = domain.InvestigationTimeout
		inv.Errors = append(inv.Errors, fmt.Sprintf("Investigation timed out after %g seconds", p.config.Timeout.Seconds()))
	case structural:
		inv.Status = domain.InvestigationFailed
	case failed == 0:
		inv.Status = domain.InvestigationCompleted
	case p.config.ContinueOnError:
		inv.Status = domain.InvestigationCompletedWithErrors
	default:
		inv.Status = domain.InvestigationFailed
	}

	now := time.Now().UTC()
	inv.CompletedAt = &now
	p.metrics.recordInvestigation(inv.Status)
}

// view builds the stable external shape of an investigation.
func (p *Pipeline) view(inv *domain.Investigation, includeEvidence bool) map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	phases := make([]map[string]interface{}, 0, len(inv.Phases))
	for _, phase := range inv.Phases {
		entry := map[string]interface{}{
			"name":    phase.Name,
			"kind":    string(phase.Kind),
			"status":  string(phase.Status),
			"success": phase.Status == domain.PhaseCompleted,
		}
		if phase.StartedAt != nil {
			entry["started_at"] = phase.StartedAt.Format(time.RFC3339Nano)
		}
		if phase.CompletedAt != nil {
			entry["completed_at"] = phase.CompletedAt.Format(time.RFC3339Nano)
		}
		if phase.Result != nil {
			if phase.Result.Data != nil {
				entry["data"] = phase.Result.Data
			}
			if len(phase.Result.Errors) > 0 {
				entry["errors"] = phase.Result.Errors
			}
		}
		phases = append(phases, entry)
	}

	view := map[string]interface{}{
		"investigation_id":    inv.ID,
		"status":              string(inv.Status),
		"created_at":          inv.CreatedAt.Format(time.RFC3339Nano),
		"objectives":          inv.Objectives,
		"phases":              phases,
		"total_entities":      len(inv.EntitiesDiscovered),
		"total_relationships": len(inv.RelationshipsDiscovered),
		"errors":              append([]string{}, inv.Errors...),
		"adaptive_actions":    inv.AdaptiveActions,
	}
	if inv.CompletedAt != nil {
		view["completed_at"] = inv.CompletedAt.Format(time.RFC3339Nano)
	}
	if p.explorer != nil {
		view["strategy"] = p.explorer.Name()
		if reporter, ok := p.explorer.(hypothesisReporter); ok {
			view["hypotheses"] = reporter.Hypotheses(inv.ID)
		}
		if reporter, ok := p.explorer.(depthReporter); ok {
			view["max_depth_reached"] = reporter.MaxDepthReached(inv.ID)
		}
	}
	if includeEvidence {
		evidence := make([]map[string]interface{}, 0, len(inv.Evidence))
		for _, ev := range inv.Evidence {
			entry := map[string]interface{}{
				"id":       ev.ID,
				"content":  ev.Content,
				"source":   ev.Source,
				"added_at": ev.AddedAt.Format(time.RFC3339Nano),
			}
			if ev.OccurredAt != nil {
				entry["occurred_at"] = ev.OccurredAt.Format(time.RFC3339Nano)
			}
			evidence = append(evidence, entry)
		}
		view["evidence"] = evidence
	}
	return view
}

func contextText(initialContext map[string]interface{}) string {
	for _, key := range []string{"text", "description"} {
		if text, ok := initialContext[key].(string); ok && text != "" {
			return text
		}
	}
	return ""
}

func discoveredIDs(inv *domain.Investigation) []string {
	ids := make([]string, 0, len(inv.EntitiesDiscovered))
	for id := range inv.EntitiesDiscovered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dominantEntityType returns the most common discovered entity type, ties
// broken lexicographically.
func dominantEntityType(inv *domain.Investigation) string {
	counts := make(map[string]int)
	for _, entity := range inv.EntitiesDiscovered {
		if entity.Type != "" {
			counts[entity.Type]++
		}
	}
	best := ""
	bestCount := 0
	for entityType, count := range counts {
		if count > bestCount || (count == bestCount && entityType < best) {
			best = entityType
			bestCount = count
		}
	}
	return best
}

// recordSlice normalizes a data payload list that may arrive either as
// native strategy output or as a JSON round-trip from the cache.
func recordSlice(value interface{}) []map[string]interface{} {
	switch v := value.(type) {
	case []map[string]interface{}:
		return v
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func entityFromRecord(record map[string]interface{}) domain.Entity {
	entity := domain.Entity{
		ID:   stringField(record, "id"),
		Name: stringField(record, "name"),
		Type: stringField(record, "type"),
	}
	if confidence, ok := record["confidence"].(float64); ok {
		entity.Confidence = confidence
	}
	if props, ok := record["properties"].(map[string]interface{}); ok {
		entity.Properties = props
	}
	return entity
}

func relationshipFromRecord(record map[string]interface{}) domain.Relationship {
	rel := domain.Relationship{
		ID:       stringField(record, "id"),
		SourceID: stringField(record, "source_id"),
		TargetID: stringField(record, "target_id"),
		Type:     stringField(record, "type"),
	}
	if confidence, ok := record["confidence"].(float64); ok {
		rel.Confidence = confidence
	}
	return rel
}

func stringField(record map[string]interface{}, key string) string {
	s, _ := record[key].(string)
	return s
}
