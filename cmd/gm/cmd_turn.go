package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gmkit/internal/turn"
)

var (
	turnCampaign string
	turnSession  string
	turnPlayer   string
	turnLocale   string
	turnDebug    bool
)

// turnCmd resolves a single player utterance
var turnCmd = &cobra.Command{
	Use:   "turn [utterance]",
	Short: "Resolve one player utterance",
	Long: `Runs a single utterance through the turn-resolution loop and prints
the GM narration. State changes are committed before narration appears.

Example:
  gm turn "I attack the goblin with my sword" --player alice`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTurn,
}

func init() {
	turnCmd.Flags().StringVar(&turnCampaign, "campaign", "", "Campaign id (default: configured campaign)")
	turnCmd.Flags().StringVar(&turnSession, "session", "", "Session id (default: configured session)")
	turnCmd.Flags().StringVar(&turnPlayer, "player", "", "Player id (default: configured player)")
	turnCmd.Flags().StringVar(&turnLocale, "locale", "", "Detected player language tag, e.g. fr-FR")
	turnCmd.Flags().BoolVar(&turnDebug, "debug", false, "Print the debug payload")
}

func runTurn(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfgPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	tc := buildTurnContext(a, strings.Join(args, " "))
	logger.Info("Resolving turn",
		zap.String("campaign", tc.CampaignID),
		zap.String("player", tc.PlayerID),
		zap.String("turn", tc.TurnID))

	started := time.Now()
	plan, err := a.ctrl.HandleTurn(context.Background(), tc)
	if err != nil {
		return fmt.Errorf("failed to resolve turn: %w", err)
	}

	fmt.Println(plan.ImmediateText)
	for _, fu := range plan.Followups {
		fmt.Println()
		fmt.Println(fu)
	}

	if turnDebug {
		b, _ := json.MarshalIndent(plan.Debug, "", "  ")
		fmt.Fprintf(cmd.ErrOrStderr(), "\n--- debug (%dms) ---\n%s\n", time.Since(started).Milliseconds(), b)
	}
	return nil
}

func buildTurnContext(a *app, transcript string) turn.TurnContext {
	tc := turn.TurnContext{
		CampaignID:     turnCampaign,
		SessionID:      turnSession,
		PlayerID:       turnPlayer,
		Locale:         turnLocale,
		TurnID:         uuid.NewString(),
		TranscriptText: transcript,
	}
	if tc.CampaignID == "" {
		tc.CampaignID = a.cfg.Voice.CampaignID
	}
	if tc.SessionID == "" {
		tc.SessionID = a.cfg.Voice.SessionID
	}
	if tc.PlayerID == "" {
		tc.PlayerID = a.cfg.Voice.PlayerID
	}
	if tc.Locale == "" {
		tc.Locale = a.cfg.Voice.Locale
	}
	return tc
}
