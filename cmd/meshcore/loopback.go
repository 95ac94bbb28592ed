package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshcore/internal/bridge"
	"github.com/chaz8081/meshcore/internal/daemon"
	"github.com/chaz8081/meshcore/internal/peer"
)

const loopbackUID = "loopback"

var loopbackCmd = &cobra.Command{
	Use:   "loopback [message...]",
	Short: "send messages through the core without a radio",
	Long: `loopback starts a core with the loopback transport, simulates one connected
peer and sends each argument to it. Every message comes back as a received
message, exercising the full engine path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := setup(); err != nil {
			return err
		}
		if len(args) == 0 {
			args = []string{"hello, mesh"}
		}
		return runLoopback(cmd.OutOrStdout(), args, 5*time.Second)
	},
}

// runLoopback sends each message to a simulated peer and waits for every echo.
func runLoopback(out io.Writer, messages []string, timeout time.Duration) error {
	b := bridge.New(bridge.Options{})
	h, err := b.Create()
	if err != nil {
		return err
	}
	defer b.Destroy(h)

	echoes := make(chan daemon.Message, len(messages))
	joined := make(chan struct{}, 1)
	b.SetCallbacks(h, bridge.Callbacks{
		OnMessage: func(ctx any, msg daemon.Message) {
			ctx.(chan daemon.Message) <- msg
		},
		OnPeer: func(_ any, u daemon.PeerUpdate) {
			if u.Connected {
				joined <- struct{}{}
			}
		},
		Context: echoes,
	})

	id := peer.DeriveID(loopbackUID)
	if code := b.SimulatePeerConnect(h, id, loopbackUID); code != bridge.CodeNone {
		return fmt.Errorf("simulating peer: %w", code.Err())
	}
	select {
	case <-joined:
	case <-time.After(timeout):
		return fmt.Errorf("peer did not join within %s", timeout)
	}

	for _, m := range messages {
		if code := b.SendMessage(h, id, []byte(m)); code != bridge.CodeNone {
			return fmt.Errorf("sending %q: %s: %w", m, code, code.Err())
		}
	}

	deadline := time.After(timeout)
	for range messages {
		select {
		case msg := <-echoes:
			fmt.Fprintf(out, "%s -> %s: %s\n", msg.PeerID, msg.UID, msg.Data)
		case <-deadline:
			return fmt.Errorf("timed out waiting for echoes")
		}
	}
	fmt.Fprintf(out, "%d message(s) looped back, %d peer(s)\n", len(messages), b.PeerCount(h))
	return nil
}
