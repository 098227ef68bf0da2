package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/llm"
	"github.com/casetrace/casetrace/internal/logging"
)

// Explorer plans the next investigation phase. Returning a nil phase ends
// the exploration.
type Explorer interface {
	Name() string
	PlanNextPhase(ctx context.Context, inv *domain.Investigation, completed []string) (*domain.InvestigationPhase, error)
}

// hypothesisUpdater is implemented by planners that track hypothesis
// confirmation from phase results.
type hypothesisUpdater interface {
	UpdateHypotheses(investigationID string, phase *domain.InvestigationPhase)
}

// hypothesisReporter exposes hypotheses for the investigation view.
type hypothesisReporter interface {
	Hypotheses(investigationID string) []Hypothesis
}

// depthReporter exposes the deepest frontier level reached.
type depthReporter interface {
	MaxDepthReached(investigationID string) int
}

// frontierExplorer walks discovered entities level by level. FIFO order
// gives breadth-first exploration, LIFO depth-first.
type frontierExplorer struct {
	name     string
	maxDepth int
	lifo     bool
	logger   *logging.Logger

	mu    sync.Mutex
	state map[string]*frontierState
}

type frontierNode struct {
	entityID string
	depth    int
}

type frontierState struct {
	seeded     bool
	queue      []frontierNode
	visited    map[string]bool
	maxReached int
}

// NewBreadthFirst explores every entity at the current depth before
// advancing. maxDepth defaults to 3.
func NewBreadthFirst(maxDepth int) Explorer {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &frontierExplorer{
		name:     "breadth_first",
		maxDepth: maxDepth,
		logger:   logging.GetLogger("explorer.bfs"),
		state:    make(map[string]*frontierState),
	}
}

// NewDepthFirst follows one branch to its leaf before backtracking.
// maxDepth defaults to 5.
func NewDepthFirst(maxDepth int) Explorer {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return &frontierExplorer{
		name:     "depth_first",
		maxDepth: maxDepth,
		lifo:     true,
		logger:   logging.GetLogger("explorer.dfs"),
		state:    make(map[string]*frontierState),
	}
}

func (e *frontierExplorer) Name() string { return e.name }

func (e *frontierExplorer) PlanNextPhase(_ context.Context, inv *domain.Investigation, _ []string) (*domain.InvestigationPhase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.state[inv.ID]
	if !ok {
		st = &frontierState{visited: make(map[string]bool)}
		e.state[inv.ID] = st
	}

	// The first phase seeds the graph from the initial context.
	if !st.seeded {
		st.seeded = true
		return &domain.InvestigationPhase{
			Name: "explore_seed",
			Kind: domain.KindEntityExtraction,
		}, nil
	}

	e.enqueueNew(inv, st)
	for len(st.queue) > 0 {
		node := e.pop(st)
		if st.visited[node.entityID] {
			continue
		}
		st.visited[node.entityID] = true
		if node.depth > e.maxDepth {
			continue
		}
		if node.depth > st.maxReached {
			st.maxReached = node.depth
		}

		// Mapping over the full discovered set keeps the strategy's
		// two-entity minimum satisfied while the focus entity records
		// which frontier node this phase expands.
		return &domain.InvestigationPhase{
			Name: fmt.Sprintf("explore_%s_d%d", node.entityID, node.depth),
			Kind: domain.KindRelationshipMapping,
			Parameters: map[string]interface{}{
				"focus_entity": node.entityID,
				"depth":        node.depth,
			},
		}, nil
	}
	return nil, nil
}

// enqueueNew adds entities discovered since the last plan at one level
// below the deepest visited frontier. Callers hold e.mu.
func (e *frontierExplorer) enqueueNew(inv *domain.Investigation, st *frontierState) {
	queued := make(map[string]bool, len(st.queue))
	for _, node := range st.queue {
		queued[node.entityID] = true
	}

	ids := make([]string, 0, len(inv.EntitiesDiscovered))
	for id := range inv.EntitiesDiscovered {
		if !st.visited[id] && !queued[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		st.queue = append(st.queue, frontierNode{entityID: id, depth: st.maxReached + 1})
	}
}

func (e *frontierExplorer) pop(st *frontierState) frontierNode {
	if e.lifo {
		node := st.queue[len(st.queue)-1]
		st.queue = st.queue[:len(st.queue)-1]
		return node
	}
	node := st.queue[0]
	st.queue = st.queue[1:]
	return node
}

func (e *frontierExplorer) MaxDepthReached(investigationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state[investigationID]; ok {
		return st.maxReached
	}
	return 0
}

// Hypothesis is one testable proposition generated by the LLM.
type Hypothesis struct {
	ID               string   `json:"id"`
	Description      string   `json:"description"`
	Confidence       float64  `json:"confidence"`
	RequiredEvidence []string `json:"required_evidence"`
	Tested           bool     `json:"tested"`
	Confirmed        bool     `json:"confirmed"`
}

// HypothesisDriven asks the LLM for testable hypotheses, then plans one
// analysis phase per hypothesis, choosing the kind from its wording.
type HypothesisDriven struct {
	oracle llm.Oracle
	logger *logging.Logger

	mu    sync.Mutex
	state map[string][]*Hypothesis
}

// NewHypothesisDriven creates the hypothesis planner.
func NewHypothesisDriven(oracle llm.Oracle) *HypothesisDriven {
	return &HypothesisDriven{
		oracle: oracle,
		logger: logging.GetLogger("explorer.hypothesis"),
		state:  make(map[string][]*Hypothesis),
	}
}

func (e *HypothesisDriven) Name() string { return "hypothesis_driven" }

func (e *HypothesisDriven) PlanNextPhase(ctx context.Context, inv *domain.Investigation, _ []string) (*domain.InvestigationPhase, error) {
	e.mu.Lock()
	hypotheses, generated := e.state[inv.ID]
	e.mu.Unlock()

	if !generated {
		var err error
		hypotheses, err = e.generate(ctx, inv)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.state[inv.ID] = hypotheses
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.state[inv.ID] {
		if h.Tested {
			continue
		}
		h.Tested = true
		return &domain.InvestigationPhase{
			Name: "test_" + h.ID,
			Kind: kindForHypothesis(h),
			Parameters: map[string]interface{}{
				"hypothesis_id": h.ID,
				"hypothesis":    h.Description,
			},
		}, nil
	}
	return nil, nil
}

func (e *HypothesisDriven) generate(ctx context.Context, inv *domain.Investigation) ([]*Hypothesis, error) {
	contextJSON, _ := json.Marshal(inv.InitialContext)
	response, err := e.oracle.Complete(ctx, llm.CompletionRequest{
		Prompt: fmt.Sprintf(`Given this investigation context and objectives, propose 2-3 testable
hypotheses about the entities and their connections.

Context: %s
Objectives: %s

Return a JSON object of the form:
{"hypotheses": [{"id": "h1", "description": "...", "confidence": 0.0, "required_evidence": ["..."]}]}`,
			string(contextJSON), strings.Join(inv.Objectives, "; ")),
		SystemPrompt:   "You are an investigative analyst forming working hypotheses.",
		Temperature:    0.5,
		ResponseFormat: llm.ResponseFormatJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("hypothesis generation failed: %w", err)
	}

	var parsed struct {
		Hypotheses []Hypothesis `json:"hypotheses"`
	}
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("hypothesis response is not valid JSON: %w", err)
	}

	out := make([]*Hypothesis, 0, len(parsed.Hypotheses))
	for i := range parsed.Hypotheses {
		h := parsed.Hypotheses[i]
		if h.ID == "" {
			h.ID = fmt.Sprintf("h%d", i+1)
		}
		if h.Confidence < 0 {
			h.Confidence = 0
		} else if h.Confidence > 1 {
			h.Confidence = 1
		}
		out = append(out, &h)
	}
	e.logger.Info("Generated %d hypotheses for investigation %s", len(out), inv.ID)
	return out, nil
}

// UpdateHypotheses marks a hypothesis confirmed when the test phase
// succeeded and every required evidence kind shows up in its data.
func (e *HypothesisDriven) UpdateHypotheses(investigationID string, phase *domain.InvestigationPhase) {
	id, _ := phase.Parameters["hypothesis_id"].(string)
	if id == "" || phase.Result == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.state[investigationID] {
		if h.ID != id {
			continue
		}
		h.Confirmed = phase.Result.Success && evidenceSatisfied(h.RequiredEvidence, phase.Result.Data)
		return
	}
}

// Hypotheses returns a snapshot for the investigation view.
func (e *HypothesisDriven) Hypotheses(investigationID string) []Hypothesis {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Hypothesis, 0, len(e.state[investigationID]))
	for _, h := range e.state[investigationID] {
		out = append(out, *h)
	}
	return out
}

// kindForHypothesis maps hypothesis wording to an analysis kind.
func kindForHypothesis(h *Hypothesis) domain.AnalysisKind {
	text := strings.ToLower(h.Description + " " + strings.Join(h.RequiredEvidence, " "))
	switch {
	case strings.Contains(text, "relationship"):
		return domain.KindRelationshipMapping
	case strings.Contains(text, "anomal"):
		return domain.KindAnomalyDetection
	case strings.Contains(text, "communit"):
		return domain.KindCommunityDetection
	default:
		return domain.KindEntityExtraction
	}
}

// evidenceSatisfied checks that each required evidence keyword matches a
// populated key in the result data.
func evidenceSatisfied(required []string, data map[string]interface{}) bool {
	for _, want := range required {
		wantLower := strings.ToLower(want)
		found := false
		for key, value := range data {
			if !strings.Contains(strings.ToLower(key), wantLower) {
				continue
			}
			if list, ok := value.([]interface{}); ok && len(list) == 0 {
				continue
			}
			if list, ok := value.([]map[string]interface{}); ok && len(list) == 0 {
				continue
			}
			found = true
			break
		}
		if !found {
			return false
		}
	}
	return true
}
