// Package agent answers questions over a built narrative memory with a
// bounded state machine: plan the query, retrieve units, grade coverage,
// explore gaps, then generate and verify the answer. Every transition is
// recorded on the trace, and generation is forced once the iteration budget
// is spent.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Chen-speculation/narrarc/internal/config"
	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/narrative"
	"github.com/Chen-speculation/narrarc/internal/retrieval"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

type nodeName string

const (
	nodePlanner   nodeName = "planner"
	nodeRetriever nodeName = "retriever"
	nodeGrader    nodeName = "grader"
	nodeExplorer  nodeName = "explorer"
	nodeGenerator nodeName = "generator"
	nodeDone      nodeName = "done"
)

// transitions is the compiled state graph. A node may only hand off to the
// successors listed here; runNode panics in tests if it tries anything else.
var transitions = map[nodeName][]nodeName{
	nodePlanner:   {nodeRetriever},
	nodeRetriever: {nodeGrader},
	nodeGrader:    {nodeExplorer, nodeGenerator},
	nodeExplorer:  {nodeGrader},
	nodeGenerator: {nodeDone},
}

func validTransition(from, to nodeName) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// StreamEvent is one progress notification from a streaming run.
type StreamEvent struct {
	Node    string `json:"node"`
	Message string `json:"message"`
}

// Result is a completed run: the rendered answer, its phases, and the trace.
type Result struct {
	Answer string                 `json:"answer"`
	Phases []types.NarrativePhase `json:"phases"`
	Trace  types.AgentTrace       `json:"trace"`
}

// Agent is the query-time state machine.
type Agent struct {
	store     *store.Store
	completer llm.Completer
	retriever *retrieval.Retriever
	composer  *narrative.Composer
	verifier  *narrative.Verifier
	cfg       config.WorkflowConfig
}

func New(st *store.Store, svc *llm.Services, cfg config.WorkflowConfig) *Agent {
	return &Agent{
		store:     st,
		completer: svc.Completer,
		retriever: retrieval.NewRetriever(st, svc.Embedder, cfg.RetrieveLimit),
		composer:  narrative.NewComposer(st, svc.Completer),
		verifier:  narrative.NewVerifier(st, svc.Completer),
		cfg:       cfg,
	}
}

// gap is one coverage hole the explorer should fill.
type gap struct {
	kind   string // time_search, semantic_expand, thread_expand
	query  string
	window store.TimeWindow
}

// runState carries everything a run accumulates between nodes.
type runState struct {
	talkerID   string
	question   string
	intent     types.QueryIntent
	queries    []string
	answerMode types.AnswerMode

	units      []types.TopicUnit
	unitIDs    map[string]bool
	gaps       []gap
	iterations int
	exhausted  bool // explorer found nothing new

	phases []types.NarrativePhase
	answer string
	trace  types.AgentTrace
}

// Run answers one question, returning the rendered answer with its trace.
func (a *Agent) Run(ctx context.Context, talkerID, question string) (*Result, error) {
	return a.RunStream(ctx, talkerID, question, nil)
}

// RunStream is Run with a progress callback invoked once per node. A nil
// sink disables streaming.
func (a *Agent) RunStream(ctx context.Context, talkerID, question string, sink func(StreamEvent)) (*Result, error) {
	st := &runState{
		talkerID: talkerID,
		question: question,
		unitIDs:  make(map[string]bool),
		trace: types.AgentTrace{
			ID:       uuid.NewString(),
			Question: question,
			TalkerID: talkerID,
		},
	}

	timer := logging.StartTimer(logging.CategoryAgent, "run "+st.trace.ID)
	defer timer.Stop()

	current := nodePlanner
	for current != nodeDone {
		if sink != nil {
			sink(StreamEvent{Node: string(current), Message: nodeMessage(current, st)})
		}

		next, err := a.runNode(ctx, current, st)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", current, err)
		}
		if !validTransition(current, next) {
			return nil, fmt.Errorf("illegal transition %s -> %s", current, next)
		}
		current = next
	}

	if sink != nil {
		sink(StreamEvent{Node: string(nodeDone), Message: "answer ready"})
	}
	st.trace.AnswerMode = st.answerMode
	return &Result{Answer: st.answer, Phases: st.phases, Trace: st.trace}, nil
}

func (a *Agent) runNode(ctx context.Context, node nodeName, st *runState) (nodeName, error) {
	start := time.Now()
	callsBefore := st.trace.TotalLLMCalls

	var next nodeName
	var err error
	var summaryIn, summaryOut string

	switch node {
	case nodePlanner:
		summaryIn = st.question
		err = a.plan(ctx, st)
		next = nodeRetriever
		summaryOut = fmt.Sprintf("%s / %s / %d queries", st.intent.QueryType, st.intent.Scope.Type, len(st.queries))
	case nodeRetriever:
		summaryIn = fmt.Sprintf("scope %s", st.intent.Scope.Type)
		err = a.retrieve(ctx, st)
		next = nodeGrader
		summaryOut = fmt.Sprintf("%d units", len(st.units))
	case nodeGrader:
		summaryIn = fmt.Sprintf("%d units, iteration %d", len(st.units), st.iterations)
		var sufficient bool
		sufficient, err = a.grade(ctx, st)
		if sufficient {
			next = nodeGenerator
			summaryOut = "sufficient"
		} else {
			next = nodeExplorer
			summaryOut = fmt.Sprintf("insufficient, %d gaps", len(st.gaps))
		}
	case nodeExplorer:
		summaryIn = fmt.Sprintf("%d gaps", len(st.gaps))
		var added int
		added, err = a.explore(ctx, st)
		next = nodeGrader
		summaryOut = fmt.Sprintf("%d new units", added)
	case nodeGenerator:
		summaryIn = fmt.Sprintf("%d units, mode %s", len(st.units), st.answerMode)
		err = a.generate(ctx, st)
		next = nodeDone
		summaryOut = fmt.Sprintf("%d phases", len(st.phases))
	default:
		return "", fmt.Errorf("unknown node %s", node)
	}
	if err != nil {
		return "", err
	}

	st.trace.Steps = append(st.trace.Steps, types.AgentStep{
		NodeName:      string(node),
		InputSummary:  summaryIn,
		OutputSummary: summaryOut,
		LLMCalls:      st.trace.TotalLLMCalls - callsBefore,
		Timestamp:     start,
	})
	return next, nil
}

func nodeMessage(node nodeName, st *runState) string {
	switch node {
	case nodePlanner:
		return "analyzing the question"
	case nodeRetriever:
		return fmt.Sprintf("retrieving %s evidence", st.intent.Scope.Type)
	case nodeGrader:
		return fmt.Sprintf("grading %d units", len(st.units))
	case nodeExplorer:
		return fmt.Sprintf("filling %d coverage gaps", len(st.gaps))
	case nodeGenerator:
		return "writing the answer"
	}
	return string(node)
}

func (a *Agent) retrieve(ctx context.Context, st *runState) error {
	units, err := a.retriever.RetrieveByScope(ctx, st.talkerID, st.intent.Scope, st.queries)
	if err != nil {
		return err
	}
	st.units = units
	st.unitIDs = make(map[string]bool, len(units))
	for _, u := range units {
		st.unitIDs[u.ID] = true
	}
	return nil
}

func (a *Agent) generate(ctx context.Context, st *runState) error {
	intent := st.intent
	if st.answerMode == types.AnswerFactualRAG {
		intent.OutputMode = types.OutputFact
	}

	phases, calls, err := a.composer.Compose(ctx, st.talkerID, st.question, intent, st.units)
	st.trace.TotalLLMCalls += calls
	if err != nil {
		return err
	}

	phases, calls = a.verifier.VerifyPhases(ctx, st.talkerID, st.question, phases, st.units)
	st.trace.TotalLLMCalls += calls

	st.phases = phases
	st.answer = renderAnswer(phases, st.answerMode)
	return nil
}

// renderAnswer turns phases into readable text. Factual answers are the bare
// conclusion; narratives get one section per phase with its citations.
func renderAnswer(phases []types.NarrativePhase, mode types.AnswerMode) string {
	if len(phases) == 0 {
		return ""
	}
	if mode == types.AnswerFactualRAG {
		return phases[0].Conclusion
	}

	var sb strings.Builder
	for i, p := range phases {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "## %s (%s)\n%s\n", p.Title, p.TimeRange, p.Conclusion)
		if p.UncertaintyNote != "" {
			fmt.Fprintf(&sb, "Note: %s\n", p.UncertaintyNote)
		}
		if len(p.EvidenceMsgIDs) > 0 {
			fmt.Fprintf(&sb, "Evidence: messages %s", joinIDs(p.EvidenceMsgIDs))
			if !p.Verified {
				sb.WriteString(" (unverified)")
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}
