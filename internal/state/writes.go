package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gmkit/internal/logging"
	"gmkit/internal/turn"
)

// entityTables maps write-spec model names to their table and payload column.
// Only registered models are writable through ApplyWrites.
var entityTables = map[string]struct {
	table      string
	payloadCol string
}{
	"character":      {"characters", "attrs"},
	"npc":            {"npcs", "attrs"},
	"faction":        {"factions", "info"},
	"player":         {"players", "data"},
	"inventory_item": {"inventory_items", "data"},
	"timeline_event": {"timeline_events", "data"},
}

// ApplyWrites commits all write specs in a single transaction. Narration is
// only surfaced after this commit succeeds, so either every write lands or
// none do. Unknown write kinds are skipped with a warning rather than
// aborting the batch.
func (s *Store) ApplyWrites(ctx context.Context, tc turn.TurnContext, writes []turn.StateWriteSpec) error {
	if len(writes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryState, "state.ApplyWrites")
	defer timer.Stop()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		if err := s.applyWrite(ctx, tx, tc, w); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit writes: %w", err)
	}
	logging.StateDebug("Committed %d write(s) for turn %s", len(writes), tc.TurnID)
	return nil
}

func (s *Store) applyWrite(ctx context.Context, tx *sql.Tx, tc turn.TurnContext, w turn.StateWriteSpec) error {
	switch w.Kind {
	case "append_log":
		return s.appendLog(ctx, tx, tc, w.Params)
	case "schedule_delayed_event":
		return s.insertDelayedEvent(ctx, tx, tc, w.Params)
	}

	op, model, ok := splitWriteKind(w.Kind)
	if !ok {
		logging.Get(logging.CategoryState).Warn("Skipping unknown write kind %q", w.Kind)
		return nil
	}

	switch model {
	case "location":
		return s.writeLocation(ctx, tx, tc, op, w.Params)
	case "quest":
		return s.writeQuest(ctx, tx, tc, op, w.Params)
	default:
		ent, ok := entityTables[model]
		if !ok {
			logging.Get(logging.CategoryState).Warn("Skipping write for unknown model %q", model)
			return nil
		}
		return s.writeEntity(ctx, tx, tc, op, ent.table, ent.payloadCol, w.Params)
	}
}

// splitWriteKind parses kinds like "create_character" or
// "update_inventory_item" into an operation and a model name.
func splitWriteKind(kind string) (op, model string, ok bool) {
	for _, o := range []string{"create", "update", "delete"} {
		if strings.HasPrefix(kind, o+"_") {
			return o, kind[len(o)+1:], true
		}
	}
	return "", "", false
}

func (s *Store) appendLog(ctx context.Context, tx *sql.Tx, tc turn.TurnContext, params map[string]any) error {
	src := params
	if nested, ok := params["entry"].(map[string]any); ok {
		src = nested
	}
	entry := make(map[string]any, len(src)+3)
	for k, v := range src {
		entry[k] = v
	}
	if tc.TurnID != "" {
		entry["turn_id"] = tc.TurnID
	}
	if tc.SessionID != "" && entry["session_id"] == nil {
		entry["session_id"] = tc.SessionID
	}
	if tc.PlayerID != "" && entry["player_id"] == nil {
		entry["player_id"] = tc.PlayerID
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO interaction_log (campaign_id, entry) VALUES (?, ?)`,
		tc.CampaignID, marshalJSON(entry))
	if err != nil {
		return fmt.Errorf("failed to append interaction log: %w", err)
	}
	return nil
}

func (s *Store) insertDelayedEvent(ctx context.Context, tx *sql.Tx, tc turn.TurnContext, params map[string]any) error {
	dueAt := resolveDueAt(params)
	payload := params
	if p, ok := params["payload"].(map[string]any); ok {
		payload = p
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO delayed_events (id, campaign_id, due_at, payload) VALUES (?, ?, ?, ?)`,
		newID(), tc.CampaignID, dueAt.UTC().Format(time.RFC3339), marshalJSON(payload))
	if err != nil {
		return fmt.Errorf("failed to schedule delayed event: %w", err)
	}
	return nil
}

// resolveDueAt accepts either an absolute "due_at" RFC3339 string or a
// relative "delay_seconds" offset. Missing or malformed values fall back to
// firing immediately.
func resolveDueAt(params map[string]any) time.Time {
	if raw := stringParam(params, "due_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
		logging.StateDebug("Ignoring malformed due_at %q", raw)
	}
	if secs := intParam(params, "delay_seconds", 0); secs > 0 {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}
	return time.Now()
}

func (s *Store) writeEntity(ctx context.Context, tx *sql.Tx, tc turn.TurnContext, op, table, payloadCol string, params map[string]any) error {
	id := stringParam(params, "id")

	switch op {
	case "delete":
		if id == "" {
			return fmt.Errorf("delete on %s requires an id", table)
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND campaign_id = ?`, table),
			id, tc.CampaignID)
		return err
	case "create", "update":
		if id == "" {
			id = newID()
		}
		name := stringParam(params, "name")
		payload := marshalJSON(filteredPayload(params, "id", "name"))
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (id, campaign_id, name, %s) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   name = CASE WHEN excluded.name != '' THEN excluded.name ELSE %s.name END,
			   %s = excluded.%s,
			   updated_at = CURRENT_TIMESTAMP`,
			table, payloadCol, table, payloadCol, payloadCol),
			id, tc.CampaignID, name, payload)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", table, err)
		}
		return nil
	}
	return nil
}

func (s *Store) writeLocation(ctx context.Context, tx *sql.Tx, tc turn.TurnContext, op string, params map[string]any) error {
	id := stringParam(params, "id")

	switch op {
	case "delete":
		if id == "" {
			return fmt.Errorf("delete on locations requires an id")
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM locations WHERE id = ? AND campaign_id = ?`, id, tc.CampaignID)
		return err
	case "create", "update":
		if id == "" {
			id = newID()
		}
		metadata := marshalJSON(filteredPayload(params, "id", "name", "description"))
		_, err := tx.ExecContext(ctx,
			`INSERT INTO locations (id, campaign_id, name, description, metadata) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   name = CASE WHEN excluded.name != '' THEN excluded.name ELSE locations.name END,
			   description = excluded.description,
			   metadata = excluded.metadata,
			   updated_at = CURRENT_TIMESTAMP`,
			id, tc.CampaignID, stringParam(params, "name"), stringParam(params, "description"), metadata)
		if err != nil {
			return fmt.Errorf("failed to write location: %w", err)
		}
		return nil
	}
	return nil
}

func (s *Store) writeQuest(ctx context.Context, tx *sql.Tx, tc turn.TurnContext, op string, params map[string]any) error {
	id := stringParam(params, "id")

	switch op {
	case "delete":
		if id == "" {
			return fmt.Errorf("delete on quests requires an id")
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM quests WHERE id = ? AND campaign_id = ?`, id, tc.CampaignID)
		return err
	case "create", "update":
		if id == "" {
			id = newID()
		}
		status := stringParam(params, "status")
		if status == "" {
			status = "open"
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO quests (id, campaign_id, title, details, status) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   title = CASE WHEN excluded.title != '' THEN excluded.title ELSE quests.title END,
			   details = excluded.details,
			   status = excluded.status,
			   updated_at = CURRENT_TIMESTAMP`,
			id, tc.CampaignID, stringParam(params, "title"), stringParam(params, "details"), status)
		if err != nil {
			return fmt.Errorf("failed to write quest: %w", err)
		}
		return nil
	}
	return nil
}

// filteredPayload copies params minus the columns stored separately.
func filteredPayload(params map[string]any, exclude ...string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		skip := false
		for _, e := range exclude {
			if k == e {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	return out
}

// ScheduleDelayedEvent persists a single delayed event outside of a write
// batch. Recursive resolution steps accumulate events and hand them here.
func (s *Store) ScheduleDelayedEvent(ctx context.Context, tc turn.TurnContext, event map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertDelayedEvent(ctx, tx, tc, event); err != nil {
		return err
	}
	return tx.Commit()
}

// DelayedEvent is a scheduled world event awaiting delivery.
type DelayedEvent struct {
	ID         string
	CampaignID string
	DueAt      time.Time
	Attempts   int
	Payload    map[string]any
}

// DueDelayedEvents lists pending events due at or before now, oldest first.
func (s *Store) DueDelayedEvents(ctx context.Context, now time.Time, limit int) ([]DelayedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, due_at, attempts, payload FROM delayed_events
		 WHERE status = 'pending' AND due_at <= ?
		 ORDER BY due_at LIMIT ?`,
		now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due events: %w", err)
	}
	defer rows.Close()

	var out []DelayedEvent
	for rows.Next() {
		var (
			ev      DelayedEvent
			due     string
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.CampaignID, &due, &ev.Attempts, &payload); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, due); err == nil {
			ev.DueAt = t
		}
		ev.Payload = unmarshalJSON(sql.NullString{String: payload, Valid: true})
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkDelayedEvent transitions an event to done or failed, recording the
// attempt count and last error.
func (s *Store) MarkDelayedEvent(ctx context.Context, id, status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errVal any
	if lastError != "" {
		errVal = lastError
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE delayed_events SET status = ?, attempts = attempts + 1,
		 last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, errVal, id)
	if err != nil {
		return fmt.Errorf("failed to mark delayed event %s: %w", id, err)
	}
	return nil
}

// ClearInteractionLog removes every log entry for a campaign.
func (s *Store) ClearInteractionLog(ctx context.Context, campaignID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM interaction_log WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear interaction log: %w", err)
	}
	return res.RowsAffected()
}

// ClearInteractionLogFiltered removes log entries matching a session and/or
// player. Filters live inside the JSON entry, so rows are matched in Go.
func (s *Store) ClearInteractionLogFiltered(ctx context.Context, campaignID, sessionID, playerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry FROM interaction_log WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to scan interaction log: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		entry := unmarshalJSON(sql.NullString{String: raw, Valid: true})
		if sessionID != "" && asString(entry["session_id"]) != sessionID {
			continue
		}
		if playerID != "" && asString(entry["player_id"]) != playerID {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var deleted int64
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM interaction_log WHERE id = ?`, id)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete log entry %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

// ClearDelayedEvents removes all delayed events for a campaign.
func (s *Store) ClearDelayedEvents(ctx context.Context, campaignID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delayed_events WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear delayed events: %w", err)
	}
	return res.RowsAffected()
}
