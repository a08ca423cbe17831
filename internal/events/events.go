// Package events provides the append-only JSONL audit stream for turns.
// Every record carries the turn identity so sessions can be replayed and
// latency/budget behavior audited offline.
package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gmkit/internal/logging"
	"gmkit/internal/turn"
)

// Log writes turn events as one JSON object per line. It implements
// turn.EventLogger. Write failures are reported to the debug logger and
// otherwise swallowed: the audit stream must never break a turn.
type Log struct {
	mu   sync.Mutex
	path string
}

// NewLog creates a JSONL event log at the given path.
func NewLog(path string) *Log {
	return &Log{path: path}
}

type record struct {
	TS         float64        `json:"ts"`
	Kind       string         `json:"kind"`
	CampaignID string         `json:"campaign_id"`
	SessionID  string         `json:"session_id"`
	TurnID     string         `json:"turn_id"`
	PlayerID   string         `json:"player_id"`
	Payload    map[string]any `json:"payload"`
}

func (l *Log) write(tc turn.TurnContext, kind string, payload map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		logging.Get(logging.CategoryBackground).Warn("event log mkdir failed: %v", err)
		return
	}

	rec := record{
		TS:         float64(time.Now().UnixNano()) / 1e9,
		Kind:       kind,
		CampaignID: tc.CampaignID,
		SessionID:  tc.SessionID,
		TurnID:     tc.TurnID,
		PlayerID:   tc.PlayerID,
		Payload:    payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		logging.Get(logging.CategoryBackground).Warn("event log marshal failed: %v", err)
		return
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logging.Get(logging.CategoryBackground).Warn("event log open failed: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		logging.Get(logging.CategoryBackground).Warn("event log write failed: %v", err)
	}
}

// Event records a generic event.
func (l *Log) Event(tc turn.TurnContext, kind string, payload map[string]any) {
	l.write(tc, kind, payload)
}

// Error records an error event under an "error:" kind prefix.
func (l *Log) Error(tc turn.TurnContext, kind string, payload map[string]any) {
	l.write(tc, "error:"+kind, payload)
}

// TurnStarted records the start of a turn with its transcript.
func (l *Log) TurnStarted(tc turn.TurnContext) {
	l.write(tc, "turn_started", map[string]any{"transcript": tc.TranscriptText})
}

// TurnFinished records turn completion and end-to-end latency.
func (l *Log) TurnFinished(tc turn.TurnContext, latencyMS int) {
	l.write(tc, "turn_finished", map[string]any{"latency_ms": latencyMS})
}

// AppendNarration records the narration produced for a turn.
func (l *Log) AppendNarration(tc turn.TurnContext, plan turn.NarrationPlan) {
	l.write(tc, "narration", map[string]any{
		"immediate": plan.ImmediateText,
		"followups": plan.Followups,
	})
}
