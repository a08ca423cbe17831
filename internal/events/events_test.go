package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmkit/internal/turn"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestLogWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l := NewLog(path)
	tc := turn.TurnContext{
		CampaignID:     "camp-1",
		SessionID:      "sess-1",
		TurnID:         "turn-1",
		PlayerID:       "alice",
		TranscriptText: "I open the chest",
	}

	l.TurnStarted(tc)
	l.Event(tc, "llm_call", map[string]any{"phase": "resolve"})
	l.Error(tc, "max_depth_exceeded", map[string]any{"depth": 3})
	l.AppendNarration(tc, turn.NarrationPlan{
		ImmediateText: "The lid creaks open.",
		Followups:     []string{"Inside, a brass key."},
	})
	l.TurnFinished(tc, 420)

	recs := readRecords(t, path)
	require.Len(t, recs, 5)

	assert.Equal(t, "turn_started", recs[0]["kind"])
	assert.Equal(t, "I open the chest", recs[0]["payload"].(map[string]any)["transcript"])
	assert.Equal(t, "turn-1", recs[0]["turn_id"])
	assert.Equal(t, "camp-1", recs[0]["campaign_id"])
	assert.NotZero(t, recs[0]["ts"])

	assert.Equal(t, "llm_call", recs[1]["kind"])
	assert.Equal(t, "error:max_depth_exceeded", recs[2]["kind"])
	assert.Equal(t, "narration", recs[3]["kind"])
	assert.Equal(t, "The lid creaks open.", recs[3]["payload"].(map[string]any)["immediate"])
	assert.Equal(t, "turn_finished", recs[4]["kind"])
	assert.Equal(t, 420.0, recs[4]["payload"].(map[string]any)["latency_ms"])
}

func TestLogCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "events.jsonl")
	l := NewLog(path)
	l.Event(turn.TurnContext{TurnID: "t"}, "probe", nil)

	recs := readRecords(t, path)
	require.Len(t, recs, 1)
	assert.Equal(t, "probe", recs[0]["kind"])
}
