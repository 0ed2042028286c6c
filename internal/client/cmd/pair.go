package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"signage-core/internal/client"
	"signage-core/internal/pairing"
)

var (
	pairCode     string
	controllerID string
	pairTimeout  time.Duration
)

// pairCmd 以控制端身份提交配对码
var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair a display using the code shown on its screen",
	Long: `Connect as a controller and submit a pairing code.

Examples:
  signage-display pair --code ABC123 --controller ctl-1`,
	RunE: runPair,
}

func init() {
	pairCmd.Flags().StringVar(&pairCode, "code", "", "Pairing code shown on the display (required)")
	pairCmd.Flags().StringVar(&controllerID, "controller", "", "Controller ID (default: from config)")
	pairCmd.Flags().DurationVar(&pairTimeout, "timeout", 15*time.Second, "How long to wait for the result")
	_ = pairCmd.MarkFlagRequired("code")
}

func runPair(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(pairing.ClientTypeController)
	if err != nil {
		return err
	}
	if controllerID != "" {
		config.ControllerID = controllerID
	}
	if config.ControllerID == "" {
		return fmt.Errorf("controller id is required (--controller or controller_id in config)")
	}
	if err := configureLogging(config); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	conn, err := client.NewConnectionManager(ctx, config, client.ConnectionManagerOptions{})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", config.ServerURL, err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, pairTimeout)
	defer waitCancel()

	result, err := client.PairWithCode(waitCtx, conn, strings.TrimSpace(pairCode))
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Paired with display %s\n", result.DeviceID)
	return nil
}
