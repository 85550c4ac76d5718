package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tunelab/tunelab/internal/dispatch"
	"github.com/tunelab/tunelab/internal/sandbox"
	"github.com/tunelab/tunelab/internal/ui"
)

// runCmd executes a plugin entry point once and prints the result as JSON.
func runCmd() *cobra.Command {
	var (
		entry      string
		method     string
		payloadRaw string
		metaRaw    string
		allowFetch bool
		allowQuery bool
	)

	cmd := &cobra.Command{
		Use:   "run <script-file | plugin-name>",
		Short: "Run a plugin entry point with a JSON payload",
		Long: `Run a plugin entry point once.

The argument is a script file path, or the name of an installed plugin.
The payload is passed to the entry point and the host-native result is
printed as JSON.`,
		Example: `  # Run an import parser over a payload file
  tlab run parser.js --payload @tunes.json

  # Run an installed scheduler plugin's processFirstReview
  tlab run gentle-pace --entry scheduler --method first --payload '{"rating": 3}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			script, fromStore, err := resolveScript(cfg, args[0])
			if err != nil {
				return err
			}

			req := dispatch.Request{Script: script, Label: args[0]}
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
			meta, err := parseJSONArg(metaRaw)
			if err != nil {
				return fmt.Errorf("invalid --meta: %w", err)
			}
			if meta != nil {
				m, ok := meta.(map[string]any)
				if !ok {
					return fmt.Errorf("--meta must be a JSON object")
				}
				req.Meta = m
			}

			session := newSession(cfg, allowFetch || fromStore.allowFetch)
			defer session.Close()

			// Capability bridges come from the override service so ad-hoc
			// runs behave like scheduled ones.
			st, storeErr := openStore(cfg)
			if storeErr == nil {
				defer st.Close()
			} else {
				fmt.Fprintln(os.Stderr, ui.Warning("database unavailable, queryDb is disabled: "+storeErr.Error()))
				st = nil
			}
			if !fromStore.allowQuery && !allowQuery {
				// Ad-hoc scripts and plugins without the query capability
				// still get the oracle bridges, just not queryDb.
				st = nil
			}
			req.Bridge = newOverride(cfg, session, st).Bridge()

			result, err := session.RunPlugin(cmd.Context(), req)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&entry, "entry", "import", "Entry point: import or scheduler")
	cmd.Flags().StringVar(&method, "method", "", "Scheduler method: first or review")
	cmd.Flags().StringVar(&payloadRaw, "payload", "", "JSON payload, or @file to read it from a file")
	cmd.Flags().StringVar(&metaRaw, "meta", "", "JSON object passed as the meta argument")
	cmd.Flags().BoolVar(&allowFetch, "allow-fetch", false, "Enable the fetchUrl capability")
	cmd.Flags().BoolVar(&allowQuery, "allow-query", false, "Enable the queryDb capability")

	return cmd
}

// scriptOrigin carries the capability flags of an installed plugin; ad-hoc
// script files get none unless flags enable them.
type scriptOrigin struct {
	allowQuery bool
	allowFetch bool
}

// resolveScript loads the script from a file path, falling back to an
// installed plugin by name.
func resolveScript(cfg *Config, arg string) (string, scriptOrigin, error) {
	if data, err := os.ReadFile(arg); err == nil {
		return string(data), scriptOrigin{}, nil
	}

	st, err := openStore(cfg)
	if err != nil {
		return "", scriptOrigin{}, fmt.Errorf("%q is not a script file and the plugin store is unavailable: %w", arg, err)
	}
	defer st.Close()

	p, err := st.GetPluginByName(context.Background(), arg)
	if err != nil {
		return "", scriptOrigin{}, err
	}
	if !p.Enabled {
		return "", scriptOrigin{}, fmt.Errorf("plugin %q is disabled", arg)
	}
	return p.Script, scriptOrigin{allowQuery: p.AllowQuery, allowFetch: p.AllowFetch}, nil
}

// parseJSONArg parses a JSON flag value; @file reads the JSON from a file and
// an empty value is nil.
func parseJSONArg(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	if raw[0] == '@' {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}
