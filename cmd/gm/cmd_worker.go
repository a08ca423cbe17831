package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gmkit/internal/state"
	"gmkit/internal/turn"
	"gmkit/internal/worker"
)

var workerInterval time.Duration

// workerCmd groups delayed-event worker commands
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the delayed-event worker",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll for due delayed events until interrupted",
	RunE:  workerRun,
}

var workerDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Fire all currently-due delayed events once and exit",
	RunE:  workerDrain,
}

func init() {
	workerRunCmd.Flags().DurationVar(&workerInterval, "interval", 5*time.Second, "Poll interval")
	workerCmd.AddCommand(workerRunCmd)
	workerCmd.AddCommand(workerDrainCmd)
}

// fireDelayedEvent surfaces a due event: it lands in the interaction log so
// the next turn's memory includes it, and in the audit log.
func fireDelayedEvent(a *app) worker.Handler {
	return func(ctx context.Context, ev state.DelayedEvent) error {
		tc := turn.TurnContext{CampaignID: ev.CampaignID}
		a.events.Event(tc, "delayed_event_fired", ev.Payload)
		return a.store.ApplyWrites(ctx, tc, []turn.StateWriteSpec{{
			Kind: "append_log",
			Params: map[string]any{
				"entry": map[string]any{
					"kind":        "delayed_event",
					"campaign_id": ev.CampaignID,
					"event_id":    ev.ID,
					"payload":     ev.Payload,
				},
			},
		}})
	}
}

func workerRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfgPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	logger.Info("Worker started", zap.Duration("interval", workerInterval))
	p := worker.New(a.store, fireDelayedEvent(a), worker.WithInterval(workerInterval))
	p.Run(ctx)
	return nil
}

func workerDrain(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfgPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	p := worker.New(a.store, fireDelayedEvent(a))
	p.Drain(context.Background())
	logger.Info("Drain complete")
	return nil
}
