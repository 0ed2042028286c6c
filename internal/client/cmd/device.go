package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"signage-core/internal/client"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/pairing"
)

var (
	deviceID        string
	deviceNickname  string
	credentialFile  string
	resetCredential bool
)

// deviceCmd 以显示端身份运行
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run as a display and show the pairing code",
	Long: `Connect to the server as a display. Without a saved credential the
display requests a pairing code and prints it until a controller pairs.
After pairing the device token is stored and reused on the next start.

Examples:
  signage-display device
  signage-display device --nickname Lobby --server ws://signage.local:3001/ws
  signage-display device --reset`,
	RunE: runDevice,
}

func init() {
	deviceCmd.Flags().StringVar(&deviceID, "device-id", "", "Device ID to request (default: assigned by server)")
	deviceCmd.Flags().StringVar(&deviceNickname, "nickname", "", "Display nickname shown to controllers")
	deviceCmd.Flags().StringVar(&credentialFile, "credential", "", "Credential file (default: ~/.signage/credential.json)")
	deviceCmd.Flags().BoolVar(&resetCredential, "reset", false, "Forget the saved credential and pair again")
}

func runDevice(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(pairing.ClientTypeDevice)
	if err != nil {
		return err
	}
	if deviceID != "" {
		config.DeviceID = deviceID
	}
	if deviceNickname != "" {
		config.Nickname = deviceNickname
	}
	if err := configureLogging(config); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	path := credentialFile
	if path == "" {
		path = config.CredentialFile
	}
	if path == "" {
		path = client.DefaultCredentialPath()
	}
	creds := client.NewFileCredentialStore(path)
	if resetCredential {
		if err := creds.Clear(); err != nil {
			return fmt.Errorf("failed to clear credential: %w", err)
		}
	}

	conn, err := client.NewConnectionManager(ctx, config, client.ConnectionManagerOptions{Credentials: creds})
	if err != nil {
		return err
	}
	defer conn.Close()

	flow := client.NewPairingFlow(ctx, conn, config.Pairing, client.PairingFlowOptions{
		DeviceID:  config.DeviceID,
		Nickname:  config.Nickname,
		ServerURL: config.ServerURL,
	})
	defer flow.Close()

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	flow.Watch(func(s client.ClientPairingState) {
		printPairingState(out, s)
	})
	conn.Subscribe(func(e client.Event) {
		switch e.Type {
		case client.EventOffline:
			fmt.Fprintf(errOut, "Server unreachable after %d attempts, giving up\n", config.Reconnect.MaxAttempts)
			cancel()
		case client.EventMessage:
			printDeviceMessage(out, e.Message)
		}
	})

	fmt.Fprintf(errOut, "Connecting to %s ...\n", config.ServerURL)
	if err := flow.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	corelog.Infof("Display: shutting down")
	return nil
}

// printPairingState 只输出用户关心的状态变化
func printPairingState(out io.Writer, s client.ClientPairingState) {
	switch s.PairingState {
	case client.PairingWaiting:
		fmt.Fprintf(out, "\n  Pairing code: %s\n  Expires at:   %s\n\n", s.Code, s.CodeExpiresAt.Local().Format(time.Kitchen))
	case client.PairingPaired:
		fmt.Fprintf(out, "Paired as device %s\n", s.DeviceID)
	case client.PairingExpired:
		fmt.Fprintln(out, "Pairing code expired")
	case client.PairingError:
		if !s.ThrottledUntil.IsZero() {
			fmt.Fprintf(out, "Too many failures, retrying after %s\n", s.ThrottledUntil.Local().Format(time.Kitchen))
			return
		}
		fmt.Fprintf(out, "Pairing error: %s\n", s.LastError)
	}
}

func printDeviceMessage(out io.Writer, msg *client.Message) {
	switch msg.Event {
	case pairing.EventPairingCode:
		var p pairing.PairingCodePayload
		if err := msg.Decode(&p); err == nil && p.PairingURL != "" {
			fmt.Fprintf(out, "  Open %s to pair\n", p.PairingURL)
		}
	case pairing.EventContentUpdate:
		var p pairing.ContentPayload
		if err := msg.Decode(&p); err == nil {
			fmt.Fprintf(out, "Content: %s\n", string(p.Content))
		}
	case pairing.EventPairingRevoked:
		fmt.Fprintln(out, "Pairing revoked by administrator")
	}
}
