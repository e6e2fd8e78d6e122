// Package types defines the core records shared across the build and query
// pipelines: raw messages, bursts, topic units, behavioral signals, anomaly
// anchors, thread links, and the query-time narrative structures.
package types

import "time"

// =============================================================================
// PERSISTED RECORDS
// =============================================================================

// Message is one raw chat message. Immutable once stored; unique per
// (TalkerID, LocalID). Timestamp is Unix milliseconds.
type Message struct {
	LocalID    int64  `json:"local_id"`
	TalkerID   string `json:"talker_id"`
	Timestamp  int64  `json:"timestamp_ms"`
	IsOutgoing bool   `json:"is_outgoing"`
	Sender     string `json:"sender"`
	Text       string `json:"text"`
	Type       int    `json:"type"`
	Excluded   bool   `json:"excluded"`
}

// Burst is a contiguous run of non-excluded messages whose consecutive gaps
// stay below the segmentation threshold.
type Burst struct {
	ID        string    `json:"id"`
	TalkerID  string    `json:"talker_id"`
	StartTime int64     `json:"start_time"`
	EndTime   int64     `json:"end_time"`
	Messages  []Message `json:"-"`
}

// TopicUnit is a topic-labeled sub-segment of a burst. One burst yields one
// or more units; ranges are non-overlapping and monotonic in StartLocalID.
type TopicUnit struct {
	ID           string `json:"id"`
	TalkerID     string `json:"talker_id"`
	BurstID      string `json:"burst_id"`
	TopicLabel   string `json:"topic_label"`
	StartLocalID int64  `json:"start_local_id"`
	EndLocalID   int64  `json:"end_local_id"`
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time"`
	ParentID     string `json:"parent_id,omitempty"`
}

// SignalSet holds the seven behavioral signals computed for one TopicUnit.
type SignalSet struct {
	NodeID            string  `json:"node_id"`
	TalkerID          string  `json:"talker_id"`
	ReplyDelayAvgS    float64 `json:"reply_delay_avg_s"`
	ReplyDelayMaxS    float64 `json:"reply_delay_max_s"`
	TermShiftScore    float64 `json:"term_shift_score"`
	SilenceEvent      bool    `json:"silence_event"`
	TopicFrequency    int     `json:"topic_frequency"`
	InitiatorRatio    float64 `json:"initiator_ratio"`
	EmotionalTone     float64 `json:"emotional_tone"`
	ConflictIntensity float64 `json:"conflict_intensity"`
}

// AnomalyAnchor flags a unit whose signal value is a statistical outlier
// relative to the talker's history. Anchors are derived data, recomputed
// wholesale on every run.
type AnomalyAnchor struct {
	ID           string  `json:"id"`
	TalkerID     string  `json:"talker_id"`
	NodeID       string  `json:"node_id"`
	SignalName   string  `json:"signal_name"`
	Value        float64 `json:"value"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	EventDate    string  `json:"event_date"`
}

// ThreadLink is a directed edge asserting the from-unit precedes the to-unit
// in the same evolving topic. From always starts before To.
type ThreadLink struct {
	FromNodeID string  `json:"from_node_id"`
	ToNodeID   string  `json:"to_node_id"`
	Reason     string  `json:"reason"`
	Score      float64 `json:"score"`
}

// =============================================================================
// QUERY-TIME STRUCTURES (never persisted)
// =============================================================================

// NarrativePhase is one stage of a multi-stage answer, with cited evidence.
type NarrativePhase struct {
	Title           string  `json:"title"`
	TimeRange       string  `json:"time_range"`
	Conclusion      string  `json:"conclusion"`
	EvidenceMsgIDs  []int64 `json:"evidence_msg_ids"`
	Reasoning       string  `json:"reasoning,omitempty"`
	UncertaintyNote string  `json:"uncertainty_note,omitempty"`
	Verified        bool    `json:"verified"`
}

// AgentStep records one state-machine transition for observability.
type AgentStep struct {
	NodeName      string    `json:"node_name"`
	InputSummary  string    `json:"input_summary"`
	OutputSummary string    `json:"output_summary"`
	LLMCalls      int       `json:"llm_calls"`
	Timestamp     time.Time `json:"timestamp"`
}

// AgentTrace is the full record of one state-machine run.
type AgentTrace struct {
	ID               string      `json:"id"`
	Question         string      `json:"question"`
	TalkerID         string      `json:"talker_id"`
	Steps            []AgentStep `json:"steps"`
	TotalLLMCalls    int         `json:"total_llm_calls"`
	AnswerMode       AnswerMode  `json:"answer_mode"`
	ForcedGeneration bool        `json:"forced_generation"`
}

// =============================================================================
// QUERY INTENT
// =============================================================================

// QueryType classifies what shape of answer a question wants.
type QueryType string

const (
	QueryArcNarrative   QueryType = "arc_narrative"
	QueryTimePoint      QueryType = "time_point"
	QueryEventRetrieval QueryType = "event_retrieval"
)

// ScopeType declares a query's retrieval breadth.
type ScopeType string

const (
	ScopeGlobal       ScopeType = "global"
	ScopeTimeBounded  ScopeType = "time_bounded"
	ScopeTopicBounded ScopeType = "topic_bounded"
)

// Scope narrows retrieval to a time window or topic set.
type Scope struct {
	Type     ScopeType `json:"type"`
	TimeHint string    `json:"time_hint,omitempty"`
	Topics   []string  `json:"topics,omitempty"`
}

// OutputMode controls how many narrative phases the generator may emit.
type OutputMode string

const (
	OutputNarrative OutputMode = "narrative"
	OutputSummary   OutputMode = "summary"
	OutputFact      OutputMode = "fact"
)

// AnswerMode selects between the phase-based narrative path and direct RAG.
type AnswerMode string

const (
	AnswerFullNarrative AnswerMode = "full_narrative"
	AnswerFactualRAG    AnswerMode = "factual_rag"
)

// QueryIntent is the planner's parse of a natural-language question.
type QueryIntent struct {
	QueryType    QueryType  `json:"query_type"`
	Scope        Scope      `json:"scope"`
	OutputMode   OutputMode `json:"output_mode"`
	FocusSignals []string   `json:"focus_signals"`
}

// SignalNames lists the canonical signal dimensions a planner may focus on.
func SignalNames() []string {
	return []string{
		"reply_delay",
		"term_shift",
		"silence_event",
		"topic_frequency",
		"initiator_ratio",
		"emotional_tone",
		"conflict_intensity",
	}
}

// =============================================================================
// BUILD BOOKKEEPING
// =============================================================================

// BuildStatus is the three-state build progress derived from table
// completeness plus the progress marker.
type BuildStatus string

const (
	BuildPending    BuildStatus = "pending"
	BuildInProgress BuildStatus = "in_progress"
	BuildComplete   BuildStatus = "complete"
)

// BuildProgress is the polling marker row written during a build run.
type BuildProgress struct {
	TalkerID  string    `json:"talker_id"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Detail    string    `json:"detail"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TalkerStats is the per-talker aggregate used by the listing surface.
type TalkerStats struct {
	TalkerID     string `json:"talker_id"`
	MessageCount int64  `json:"message_count"`
	LastTime     int64  `json:"last_time"`
	DisplayName  string `json:"display_name"`
}
