package build

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

// IngestResult summarizes one import.
type IngestResult struct {
	TalkerID string
	Total    int
	Kept     int
}

// IngestJSON imports a JSON export of one conversation into the store. The
// file holds an array of messages; an empty talkerID takes the talker from
// the first message. Messages without text become excluded rows so local id
// ranges stay contiguous. Re-importing a file is harmless: existing
// (talker, local_id) rows are kept, not overwritten.
func IngestJSON(st *store.Store, path, talkerID string) (*IngestResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var msgs []types.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%s: no messages", path)
	}

	if talkerID == "" {
		talkerID = msgs[0].TalkerID
	}
	if talkerID == "" {
		return nil, fmt.Errorf("%s: no talker id in file or arguments", path)
	}

	kept := 0
	for i := range msgs {
		msgs[i].TalkerID = talkerID
		if msgs[i].Text == "" {
			msgs[i].Excluded = true
		}
		if !msgs[i].Excluded {
			kept++
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].LocalID < msgs[j].LocalID })

	if err := st.InsertMessages(msgs); err != nil {
		return nil, err
	}
	logging.Build("ingested %s: %d messages (%d usable) for %s", path, len(msgs), kept, talkerID)
	return &IngestResult{TalkerID: talkerID, Total: len(msgs), Kept: kept}, nil
}
