package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/systemflow/flowsync/internal/notify"
)

var tailJSON bool

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "emit one JSON object per notification")
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream incoming notifications to stdout",
	Long:  "Connect to the push feed and print each incoming notification until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		rt, err := buildRuntime(ctx, printSink{json: tailJSON})
		if err != nil {
			return err
		}
		defer rt.close()

		// Hidden window: the dispatcher routes everything through the
		// native path, which printSink writes to stdout.
		if err := rt.engine.Start(ctx); err != nil {
			return err
		}
		rt.engine.SetVisibility(notify.FocusState{Visible: false})

		<-ctx.Done()
		return nil
	},
}

// printSink writes dispatcher effects as stdout lines.
type printSink struct {
	json bool
}

func (printSink) PlaySound() {}

func (s printSink) ShowToast(t notify.Toast) {
	s.print(string(t.Kind), t.Title, t.Message, t.Link)
}

func (s printSink) ShowNative(n notify.Native) {
	s.print(n.Tag, n.Title, n.Body, n.URL)
}

func (s printSink) print(kind, title, body, link string) {
	if s.json {
		payload, err := json.Marshal(map[string]string{
			"kind":  kind,
			"title": title,
			"body":  body,
			"link":  link,
			"at":    time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return
		}
		fmt.Println(string(payload))
		return
	}
	fmt.Printf("%s  %s: %s\n", time.Now().Local().Format("15:04:05"), title, body)
}
