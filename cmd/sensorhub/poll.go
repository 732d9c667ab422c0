package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nerrad567/sensorhub/internal/api"
)

// pollReadTimeout bounds the wait for each reply.
const pollReadTimeout = 10 * time.Second

var pollCmd = &cobra.Command{
	Use:   "poll [sensor-id...]",
	Short: "Subscribe to sensors and poll their latest samples",
	Long: `Connect to a running hub's websocket endpoint, subscribe to the given
sensors and print the poll result at a fixed interval.

Sensors without data yet are absent from a poll result.

Example:
  sensorhub poll gps1 imu1
  sensorhub poll --url ws://10.0.0.5:8080/ws --interval 500ms --count 20 lidar1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		interval, _ := cmd.Flags().GetDuration("interval")
		count, _ := cmd.Flags().GetInt("count")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runPoll(ctx, cmd.OutOrStdout(), pollOptions{
			URL:      url,
			IDs:      args,
			Interval: interval,
			Count:    count,
		})
	},
}

func init() {
	rootCmd.AddCommand(pollCmd)
	pollCmd.Flags().String("url", "ws://localhost:8080/ws", "websocket endpoint of the hub")
	pollCmd.Flags().Duration("interval", time.Second, "time between polls")
	pollCmd.Flags().Int("count", 0, "number of polls before exiting (0 polls until interrupted)")
}

type pollOptions struct {
	URL      string
	IDs      []string
	Interval time.Duration
	Count    int
}

// runPoll subscribes to every id, then polls until Count results have been
// printed or ctx is cancelled.
func runPoll(ctx context.Context, out io.Writer, opts pollOptions) error {
	if opts.Interval <= 0 {
		return errors.New("interval must be positive")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", opts.URL, err)
	}
	defer conn.Close()

	for _, id := range opts.IDs {
		var reply api.WSReply
		if err := roundTrip(conn, api.WSRequest{Action: api.ActionSubscribe, SensorID: id}, &reply); err != nil {
			return err
		}
		if reply.Type != api.WSTypeSubscribed {
			return fmt.Errorf("subscribing to %s: %s", id, reply.Error)
		}
		fmt.Fprintf(out, "subscribed %s\n", id)
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for n := 0; opts.Count == 0 || n < opts.Count; n++ {
		var result api.WSPollResult
		if err := roundTrip(conn, api.WSRequest{Action: api.ActionPoll}, &result); err != nil {
			return err
		}
		if result.Type != api.WSTypePollResult {
			return fmt.Errorf("unexpected reply %q to poll", result.Type)
		}
		printPollResult(out, n, result)

		if opts.Count != 0 && n+1 == opts.Count {
			break
		}
		select {
		case <-ctx.Done():
			return closeConn(conn)
		case <-ticker.C:
		}
	}
	return closeConn(conn)
}

func roundTrip(conn *websocket.Conn, req api.WSRequest, reply any) error {
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("sending %s: %w", req.Action, err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(pollReadTimeout)); err != nil {
		return err
	}
	if err := conn.ReadJSON(reply); err != nil {
		return fmt.Errorf("reading %s reply: %w", req.Action, err)
	}
	return nil
}

func printPollResult(out io.Writer, n int, result api.WSPollResult) {
	ids := make([]string, 0, len(result.Data))
	for id := range result.Data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(out, "poll %d: %d sensor(s)\n", n+1, len(ids))
	for _, id := range ids {
		smp := result.Data[id]
		fmt.Fprintf(out, "  %s seq=%d ts=%s %s\n", id, smp.Sequence, smp.Timestamp.Format(time.RFC3339Nano), smp.Payload)
	}
}

func closeConn(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("closing connection: %w", err)
	}
	return nil
}
