package thread

import (
	"github.com/Chen-speculation/narrarc/internal/store"
)

// Closure returns the ids of every unit in the same thread as nodeID,
// including nodeID itself. Links are followed in both directions so the
// whole connected component is returned regardless of the entry point.
func Closure(st *store.Store, talkerID, nodeID string) ([]string, error) {
	links, err := st.LinksForTalker(talkerID)
	if err != nil {
		return nil, err
	}

	adj := make(map[string][]string)
	for _, l := range links {
		adj[l.FromNodeID] = append(adj[l.FromNodeID], l.ToNodeID)
		adj[l.ToNodeID] = append(adj[l.ToNodeID], l.FromNodeID)
	}

	visited := map[string]bool{nodeID: true}
	order := []string{nodeID}
	queue := []string{nodeID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			order = append(order, next)
			queue = append(queue, next)
		}
	}
	return order, nil
}
