package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"gmkit/internal/turn"
)

var (
	logLimit       int
	clearSessionID string
	clearPlayerID  string
)

// campaignCmd groups campaign state inspection commands
var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Inspect and maintain campaign state",
}

var campaignShowCmd = &cobra.Command{
	Use:   "show [campaign-id]",
	Short: "Print the campaign snapshot as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE:  campaignShow,
}

var campaignPlayersCmd = &cobra.Command{
	Use:   "players [campaign-id]",
	Short: "List known player profiles",
	Args:  cobra.MaximumNArgs(1),
	RunE:  campaignPlayers,
}

var campaignLogCmd = &cobra.Command{
	Use:   "log [campaign-id]",
	Short: "Print recent interaction log entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  campaignLog,
}

var campaignClearLogCmd = &cobra.Command{
	Use:   "clear-log [campaign-id]",
	Short: "Delete interaction log entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  campaignClearLog,
}

var campaignClearEventsCmd = &cobra.Command{
	Use:   "clear-events [campaign-id]",
	Short: "Delete all delayed events",
	Args:  cobra.MaximumNArgs(1),
	RunE:  campaignClearEvents,
}

func init() {
	campaignLogCmd.Flags().IntVar(&logLimit, "limit", 20, "Number of entries to show")
	campaignClearLogCmd.Flags().StringVar(&clearSessionID, "session", "", "Only clear entries from this session")
	campaignClearLogCmd.Flags().StringVar(&clearPlayerID, "player", "", "Only clear entries from this player")

	campaignCmd.AddCommand(campaignShowCmd)
	campaignCmd.AddCommand(campaignPlayersCmd)
	campaignCmd.AddCommand(campaignLogCmd)
	campaignCmd.AddCommand(campaignClearLogCmd)
	campaignCmd.AddCommand(campaignClearEventsCmd)
}

// resolveCampaignID picks the argument, the configured campaign, or the most
// recently touched campaign in the database, in that order.
func resolveCampaignID(ctx context.Context, a *app, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if a.cfg.Voice.CampaignID != "" {
		return a.cfg.Voice.CampaignID, nil
	}
	id, err := a.store.LatestCampaignID(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("no campaign found; run a turn first or pass a campaign id")
	}
	return id, nil
}

func campaignShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfgPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	id, err := resolveCampaignID(ctx, a, args)
	if err != nil {
		return err
	}

	view, err := a.store.Read(ctx, turn.TurnContext{CampaignID: id}, []turn.StateReadSpec{
		{Kind: "campaign_snapshot"},
		{Kind: "delayed_events", Params: map[string]any{"limit": 10}},
	})
	if err != nil {
		return err
	}
	b, _ := json.MarshalIndent(view, "", "  ")
	fmt.Println(string(b))
	return nil
}

func campaignPlayers(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfgPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	id, err := resolveCampaignID(ctx, a, args)
	if err != nil {
		return err
	}

	profiles, err := a.store.ListPlayerProfiles(ctx, id)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("No players recorded.")
		return nil
	}
	for _, p := range profiles {
		line := fmt.Sprintf("%s\t%s", p.PlayerID, p.DisplayName)
		if p.VoiceProfile != "" {
			line += "\t(" + p.VoiceProfile + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func campaignLog(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfgPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	id, err := resolveCampaignID(ctx, a, args)
	if err != nil {
		return err
	}

	view, err := a.store.Read(ctx, turn.TurnContext{CampaignID: id}, []turn.StateReadSpec{
		{Kind: "interaction_log", Params: map[string]any{"limit": logLimit}},
	})
	if err != nil {
		return err
	}
	entries, _ := view["interaction_log"].([]map[string]any)
	for _, e := range entries {
		b, _ := json.Marshal(e)
		fmt.Println(string(b))
	}
	return nil
}

func campaignClearLog(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfgPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	id, err := resolveCampaignID(ctx, a, args)
	if err != nil {
		return err
	}

	var n int64
	if clearSessionID == "" && clearPlayerID == "" {
		n, err = a.store.ClearInteractionLog(ctx, id)
	} else {
		n, err = a.store.ClearInteractionLogFiltered(ctx, id, clearSessionID, clearPlayerID)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d log entries.\n", n)
	return nil
}

func campaignClearEvents(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfgPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	id, err := resolveCampaignID(ctx, a, args)
	if err != nil {
		return err
	}

	n, err := a.store.ClearDelayedEvents(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d delayed events.\n", n)
	return nil
}
