package agent

import (
	"context"
	"sort"

	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/types"
)

const (
	timeSearchLimit = 15
	semanticExpandK = 15
)

// explore executes the grader's gaps and merges anything new into the
// retrieved set. Finding nothing marks the run exhausted so the next grading
// pass stops iterating.
func (a *Agent) explore(ctx context.Context, st *runState) (int, error) {
	added := 0
	for _, g := range st.gaps {
		var found []types.TopicUnit
		var err error

		switch g.kind {
		case "time_search":
			found, err = a.retriever.SearchWindow(ctx, st.talkerID, g.query, g.window, timeSearchLimit)
		case "semantic_expand":
			found, err = a.retriever.SearchSemantic(ctx, st.talkerID, g.query, semanticExpandK)
		case "thread_expand":
			found, err = a.retriever.ExpandThreads(st.talkerID, st.units)
		default:
			logging.AgentDebug("unknown gap kind %q", g.kind)
			continue
		}
		if err != nil {
			return added, err
		}

		for _, u := range found {
			if st.unitIDs[u.ID] {
				continue
			}
			st.unitIDs[u.ID] = true
			st.units = append(st.units, u)
			added++
		}
	}

	if added == 0 {
		st.exhausted = true
	}
	st.gaps = nil
	sortUnitsChronological(st.units)
	return added, nil
}

func sortUnitsChronological(units []types.TopicUnit) {
	sort.Slice(units, func(i, j int) bool { return units[i].StartTime < units[j].StartTime })
}
