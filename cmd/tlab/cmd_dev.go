package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/tunelab/tunelab/internal/dispatch"
	"github.com/tunelab/tunelab/internal/sandbox"
	"github.com/tunelab/tunelab/internal/ui"
)

// devCmd re-runs a plugin script whenever the file changes. The session is
// kept across runs so the compiled-program cache and worker survive; only the
// script text is reloaded.
func devCmd() *cobra.Command {
	var (
		entry      string
		method     string
		payloadRaw string
		allowFetch bool
		allowQuery bool
	)

	cmd := &cobra.Command{
		Use:   "dev <script-file>",
		Short: "Re-run a plugin whenever its script changes",
		Example: `  tlab dev parser.js --payload @sample.json
  tlab dev pace.js --entry scheduler --method first --payload '{"rating": 3}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scriptPath := args[0]
			if _, err := os.Stat(scriptPath); err != nil {
				return err
			}

			req := dispatch.Request{Label: filepath.Base(scriptPath)}
			switch entry {
			case "import":
				req.Entry = sandbox.EntryImportParser
			case "scheduler":
				req.Entry = sandbox.EntrySchedulerFactory
				switch method {
				case "first":
					req.Method = sandbox.SchedulerFirstReview
				case "review":
					req.Method = sandbox.SchedulerReview
				default:
					return fmt.Errorf("scheduler entry needs --method first or --method review")
				}
			default:
				return fmt.Errorf("unknown entry point %q (use import or scheduler)", entry)
			}
			if req.Payload, err = parseJSONArg(payloadRaw); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}

			session := newSession(cfg, allowFetch)
			defer session.Close()

			st, err := openStore(cfg)
			if err == nil {
				defer st.Close()
			} else {
				st = nil
			}
			if !allowQuery {
				st = nil
			}
			req.Bridge = newOverride(cfg, session, st).Bridge()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			runOnce := func() {
				script, err := os.ReadFile(scriptPath)
				if err != nil {
					fmt.Fprintln(os.Stderr, ui.Error("read failed: ")+err.Error())
					return
				}
				req.Script = string(script)

				start := time.Now()
				result, err := session.RunPlugin(ctx, req)
				if err != nil {
					fmt.Println(ui.Error("✗ " + err.Error()))
					return
				}
				out, _ := json.MarshalIndent(result, "", "  ")
				fmt.Println(string(out))
				fmt.Println(ui.Dim(fmt.Sprintf("done in %s", time.Since(start).Round(time.Millisecond))))
			}

			runOnce()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()

			// Watch the directory: editors often replace the file, which
			// drops a watch set on the file itself.
			if err := watcher.Add(filepath.Dir(scriptPath)); err != nil {
				return err
			}
			fmt.Println(ui.Info("watching " + scriptPath + " (ctrl-c to stop)"))

			target := filepath.Clean(scriptPath)
			for {
				select {
				case event := <-watcher.Events:
					if filepath.Clean(event.Name) != target {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					fmt.Println(ui.Dim("change detected, re-running"))
					runOnce()
				case err := <-watcher.Errors:
					fmt.Fprintln(os.Stderr, ui.Warning("watch error: "+err.Error()))
				case <-ctx.Done():
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&entry, "entry", "import", "Entry point: import or scheduler")
	cmd.Flags().StringVar(&method, "method", "", "Scheduler method: first or review")
	cmd.Flags().StringVar(&payloadRaw, "payload", "", "JSON payload, or @file to read it from a file")
	cmd.Flags().BoolVar(&allowFetch, "allow-fetch", false, "Enable the fetchUrl capability")
	cmd.Flags().BoolVar(&allowQuery, "allow-query", false, "Enable the queryDb capability")

	return cmd
}
