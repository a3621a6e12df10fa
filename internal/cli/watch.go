package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systemflow/flowsync/internal/notify"
	"github.com/systemflow/flowsync/internal/tui"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the interactive feed",
	Long:  "Open the terminal UI showing the notification feed, conversations with unread badges, and live chat.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		rt, err := buildRuntime(ctx, terminalSink{})
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.engine.Start(ctx); err != nil {
			return err
		}
		return tui.Run(ctx, rt.engine, tui.Config{})
	},
}

// terminalSink renders dispatcher effects in a terminal: the alert sound
// becomes the bell, toasts and native notifications become stderr lines.
type terminalSink struct{}

func (terminalSink) PlaySound() {
	fmt.Fprint(os.Stderr, "\a")
}

func (terminalSink) ShowToast(t notify.Toast) {
	fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", t.Kind, t.Title, t.Message)
}

func (terminalSink) ShowNative(n notify.Native) {
	fmt.Fprintf(os.Stderr, "[native] %s: %s\n", n.Title, n.Body)
}
