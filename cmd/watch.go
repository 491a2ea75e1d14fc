package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/lookout/internal/events"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	watchNATS        string
	watchSubject     string
	watchMatchesOnly bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the capture and verdict events a live session publishes to NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWatch(cmd.Context(), os.Stdout)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchNATS, "nats", "", "NATS server to listen on (default from config: NATS_URL)")
	watchCmd.Flags().StringVar(&watchSubject, "subject", "", "Subject prefix (default from config: lookout)")
	watchCmd.Flags().BoolVar(&watchMatchesOnly, "matches-only", false, "Only print frames whose verdict is a match")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context, out io.Writer) error {
	url := watchNATS
	if url == "" {
		url = Cfg.Events.NATSURL
	}
	if url == "" {
		err := errors.New("no NATS server configured, pass --nats or set NATS_URL")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	prefix := watchSubject
	if prefix == "" {
		prefix = Cfg.Events.Subject
	}

	nc, err := nats.Connect(url, nats.Name("lookout-watch"))
	if err != nil {
		utils.ShowError("Failed to connect to NATS", err, nil)
		return err
	}
	defer nc.Drain()

	if _, err := subscribeEvents(nc, prefix, out, watchMatchesOnly); err != nil {
		utils.ShowError("Failed to subscribe", err, nil)
		return err
	}
	capture, verdict := events.Subjects(prefix)
	fmt.Fprintf(os.Stderr, "👂 Listening on %s and %s. Ctrl+C to stop.\n", capture, verdict)

	<-ctx.Done()
	return nil
}

// subscribeEvents prints one line per event to out. NATS runs each
// subscription's handler on its own goroutine, so writes are serialised.
func subscribeEvents(nc *nats.Conn, prefix string, out io.Writer, matchesOnly bool) ([]*nats.Subscription, error) {
	var mu sync.Mutex
	emit := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, line)
	}

	capture, verdict := events.Subjects(prefix)
	capSub, err := events.Subscribe(nc, capture, func(ctx context.Context, ev events.CaptureEvent) {
		emit(formatCaptureEvent(ev))
	})
	if err != nil {
		return nil, err
	}
	verSub, err := events.Subscribe(nc, verdict, func(ctx context.Context, ev events.VerdictEvent) {
		if matchesOnly && !ev.Matched {
			return
		}
		emit(formatVerdictEvent(ev))
	})
	if err != nil {
		capSub.Unsubscribe()
		return nil, err
	}
	return []*nats.Subscription{capSub, verSub}, nil
}

func formatCaptureEvent(ev events.CaptureEvent) string {
	line := fmt.Sprintf("%s 📸 [%s] reference captured (%d descriptors)",
		ev.CapturedAt.Local().Format("15:04:05"), shortSession(ev.Session), ev.Descriptors)
	if ev.Path != "" {
		line += " " + ev.Path
	}
	return line
}

func formatVerdictEvent(ev events.VerdictEvent) string {
	verdict := "no reference"
	switch {
	case ev.Matched:
		verdict = fmt.Sprintf("%.2f ✅ MATCH", ev.Score)
	case ev.Scored:
		verdict = fmt.Sprintf("%.2f ❌ no match", ev.Score)
	}
	return fmt.Sprintf("%s 🎞️  [%s] frame %d, %d persons, %s",
		ev.At.Local().Format("15:04:05"), shortSession(ev.Session), ev.Frame, ev.Persons, verdict)
}

// shortSession trims a UUID to the 8 characters printed elsewhere.
func shortSession(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
