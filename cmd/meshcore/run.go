package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshcore/internal/ble"
	"github.com/chaz8081/meshcore/internal/bridge"
	"github.com/chaz8081/meshcore/internal/config"
	"github.com/chaz8081/meshcore/internal/daemon"
	"github.com/chaz8081/meshcore/internal/events"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a mesh node",
	Long: `run starts the event engine and the Bluetooth LE connection manager, prints
incoming messages and peer changes, and sends each stdin line of the form
"<uid> <message>" to that peer. Type "peers" to list connected peers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		return runNode(cfg, os.Stdin)
	},
}

// bleOptions maps the radio section of the config onto manager options.
func bleOptions(cfg *config.Config) ble.Options {
	opts := ble.DefaultOptions()
	opts.UID = cfg.UID
	opts.LocalNamePrefix = cfg.BLE.LocalNamePrefix
	opts.AutoConnect = cfg.BLE.AutoConnect
	opts.ConnectTimeout = cfg.BLE.ConnectTimeout
	opts.ScanInterval = cfg.BLE.ScanInterval
	opts.Reconnect = ble.ReconnectPolicy{
		Delay:       cfg.BLE.ReconnectDelay,
		MaxDelay:    cfg.BLE.ReconnectMaxDelay,
		MaxAttempts: cfg.BLE.ReconnectMaxAttempts,
	}
	return opts
}

func runNode(cfg *config.Config, input io.Reader) error {
	emitter, err := events.Open(cfg.Events.Path)
	if err != nil {
		return err
	}
	defer emitter.Close()

	opts := bridge.Options{
		Engine: daemon.Options{QueueCapacity: cfg.Engine.QueueCapacity},
	}
	transport := "loopback"
	var mgr *ble.Manager
	if cfg.BLE.Enabled {
		transport = "ble"
		opts.NewTransport = func(e *daemon.Engine) (daemon.Transport, error) {
			mgr = ble.NewManager(ble.NewTinyGoAdapter(), e, bleOptions(cfg))
			if err := mgr.Start(context.Background()); err != nil {
				return nil, err
			}
			return mgr, nil
		}
	}

	printBanner(cfg, transport)

	b := bridge.New(opts)
	h, err := b.Create()
	if err != nil {
		return fmt.Errorf("starting core: %w", err)
	}
	if mgr != nil {
		slog.Info("[BLE] Advertising", "name", mgr.LocalName())
	}

	notes, code := b.Subscribe(h)
	if code != bridge.CodeNone {
		b.Destroy(h)
		return fmt.Errorf("subscribing: %w", code.Err())
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		events.Drain(emitter, notes, printNotification)
	}()

	go readInput(input, b, h, mgr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	fmt.Println("Ready! Ctrl+C to quit.")

	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig)
	b.Destroy(h)
	<-drained
	fmt.Println("Goodbye!")
	return nil
}

// readInput sends each "<uid> <message>" line until input is exhausted.
func readInput(input io.Reader, b *bridge.Bridge, h bridge.Handle, mgr *ble.Manager) {
	sc := bufio.NewScanner(input)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "peers" {
			printPeers(b, h, mgr)
			continue
		}
		uid, text, ok := strings.Cut(line, " ")
		if !ok {
			fmt.Println(`usage: <uid> <message> | peers`)
			continue
		}
		if code := b.SendMessageToUID(h, uid, []byte(text)); code != bridge.CodeNone {
			fmt.Printf("send to %s failed: %s (%d)\n", uid, code, int32(code))
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("Reading input failed", "error", err)
	}
}

func printPeers(b *bridge.Bridge, h bridge.Handle, mgr *ble.Manager) {
	fmt.Printf("%d peer(s) connected\n", b.PeerCount(h))
	if mgr == nil {
		return
	}
	for _, p := range mgr.DiscoveredPeers() {
		fmt.Printf("  %s  %-12s %-16s %s\n", p.ID, p.State, p.UID, p.Name)
	}
}

func printNotification(n bridge.Notification) {
	switch n.Kind {
	case bridge.NotifyMessage:
		from := n.Message.UID
		if from == "" {
			from = n.Message.PeerID.String()
		}
		fmt.Printf("[%s] %s: %s\n", n.Message.Timestamp.Format("15:04:05"), from, n.Message.Data)
	case bridge.NotifyPeer:
		verb := "left"
		if n.Peer.Connected {
			verb = "joined"
		}
		fmt.Printf("* %s %s (%s)\n", n.Peer.UID, verb, n.Peer.PeerID)
	case bridge.NotifyStatus:
		if n.Status == daemon.StatusError {
			fmt.Printf("! %s\n", n.StatusText)
		} else {
			slog.Info("Engine status", "status", n.Status, "message", n.StatusText)
		}
	}
}
