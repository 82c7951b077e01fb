package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/burstgate/internal/bus"
	"github.com/nextlevelbuilder/burstgate/internal/config"
	"github.com/nextlevelbuilder/burstgate/pkg/protocol"
)

func watchCmd() *cobra.Command {
	var addr string
	var raw bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream flush events from a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr == "" {
				host := cfg.Gateway.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
			}
			return runWatch(addr, cfg.Gateway.Token, raw)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address host:port (default: from config)")
	cmd.Flags().BoolVar(&raw, "raw", false, "print raw JSON frames")
	return cmd
}

func runWatch(addr, token string, raw bool) error {
	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), header)
	if err != nil {
		return fmt.Errorf("websocket connect %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	fmt.Fprintf(os.Stderr, "Watching %s (Ctrl-C to stop)\n", wsURL.String())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if raw {
			fmt.Println(string(data))
			continue
		}
		printFrame(data)
	}
}

type flushFrame struct {
	Event   string          `json:"event"`
	TS      int64           `json:"ts"`
	Payload bus.FlushResult `json:"payload"`
}

func printFrame(data []byte) {
	var f flushFrame
	if err := json.Unmarshal(data, &f); err != nil {
		fmt.Println(string(data))
		return
	}
	ts := time.UnixMilli(f.TS).Format(time.TimeOnly)
	switch f.Event {
	case protocol.EventFlush:
		p := f.Payload
		line := fmt.Sprintf("%s  %-16s key=%s from=%s messages=%d", ts, p.Status, p.Key, p.FromID, len(p.Messages))
		if p.Error != "" {
			line += " error=" + p.Error
		}
		fmt.Println(line)
	case protocol.EventShutdown:
		fmt.Printf("%s  gateway shutting down\n", ts)
	default:
		fmt.Printf("%s  %s\n", ts, f.Event)
	}
}
