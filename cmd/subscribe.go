package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agenthub/internal/config"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

// subscribeCmd attaches to a running hub's subscriber channel and prints
// every frame as a JSON line. Debugging aid; the real consumers are
// WebSocket clients elsewhere.
func subscribeCmd() *cobra.Command {
	var (
		addr    string
		tenant  string
		filters []string
	)
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Attach to the subscriber channel and print frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if addr == "" {
				host := cfg.Server.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("%s:%d", host, cfg.Server.WSPort)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			wsURL := "ws://" + addr + "/ws"
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", wsURL, err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			conn.SetReadLimit(1 << 20)

			sub, err := json.Marshal(protocol.ClientFrame{
				Type:      protocol.FrameSubscribe,
				Subscribe: &protocol.SubscribePayload{Tenant: tenant, Filters: filters},
			})
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("read: %w", err)
				}
				var frame protocol.ServerFrame
				if err := json.Unmarshal(data, &frame); err != nil {
					fmt.Fprintf(os.Stderr, "unparseable frame: %v\n", err)
					continue
				}
				if frame.Type == protocol.FrameError {
					fmt.Fprintf(os.Stderr, "server error: %s\n", frame.Error)
					continue
				}
				if err := enc.Encode(frame); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default: config host:wsPort)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant binding (required)")
	cmd.Flags().StringSliceVar(&filters, "filter", nil, "topic filter, repeatable (default: every topic)")
	return cmd
}
