package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rewardScope/internal/model"
)

func runEstimate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	estimates := make([]model.YieldEstimate, 0, len(a.cfg.Subjects))
	for _, subject := range a.cfg.Subjects {
		est, err := a.service.Refresh(ctx, subject)
		if err != nil {
			return err
		}
		estimates = append(estimates, est)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(estimates)
}
