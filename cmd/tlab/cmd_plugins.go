package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tunelab/tunelab/internal/integrity"
	"github.com/tunelab/tunelab/internal/store"
	"github.com/tunelab/tunelab/internal/ui"
)

// pluginsCmd groups the plugin registry operations.
func pluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage installed plugins",
	}
	cmd.AddCommand(
		pluginsListCmd(),
		pluginsInstallCmd(),
		pluginsEnableCmd(true),
		pluginsEnableCmd(false),
		pluginsVerifyCmd(),
		pluginsWarningsCmd(),
	)
	return cmd
}

func pluginsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			plugins, err := st.ListPlugins(cmd.Context(), false)
			if err != nil {
				return err
			}
			if len(plugins) == 0 {
				fmt.Println(ui.Dim("no plugins installed"))
				return nil
			}

			fmt.Printf("%s  %s  %s  %s\n",
				ui.Header(pad("NAME", 24)), ui.Header(pad("KIND", 14)),
				ui.Header(pad("STATUS", 8)), ui.Header("CAPABILITIES"))
			for _, p := range plugins {
				status := ui.Success(pad("enabled", 8))
				if !p.Enabled {
					status = ui.Dim(pad("disabled", 8))
				}
				var caps []string
				if p.AllowQuery {
					caps = append(caps, "query")
				}
				if p.AllowFetch {
					caps = append(caps, "fetch")
				}
				capText := strings.Join(caps, ", ")
				if capText == "" {
					capText = "-"
				}
				fmt.Printf("%s  %s  %s  %s\n", pad(p.Name, 24), pad(p.Kind, 14), status, capText)
			}
			return nil
		},
	}
}

func pluginsInstallCmd() *cobra.Command {
	var (
		name       string
		kind       string
		allowQuery bool
		allowFetch bool
	)

	cmd := &cobra.Command{
		Use:   "install <script-file>",
		Short: "Install or update a plugin from a script file",
		Example: `  tlab plugins install parser.js --name thesession-import --kind import_parser
  tlab plugins install pace.js --name gentle-pace --kind scheduler --allow-query`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			script, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if kind != store.KindImportParser && kind != store.KindScheduler {
				return fmt.Errorf("--kind must be %s or %s", store.KindImportParser, store.KindScheduler)
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			p := &store.Plugin{
				Name:       name,
				Kind:       kind,
				Script:     string(script),
				AllowQuery: allowQuery,
				AllowFetch: allowFetch,
				Enabled:    true,
			}
			if existing, err := st.GetPluginByName(cmd.Context(), name); err == nil {
				p.ID = existing.ID
			}
			if err := st.SavePlugin(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Println(ui.Success(fmt.Sprintf("installed %s (%s)", p.Name, p.ID)))
			fmt.Println(ui.Dim("run 'tlab plugins verify --update' to refresh the integrity root"))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Plugin name (default: script file name)")
	cmd.Flags().StringVar(&kind, "kind", store.KindImportParser, "Plugin kind: import_parser or scheduler")
	cmd.Flags().BoolVar(&allowQuery, "allow-query", false, "Grant the queryDb capability")
	cmd.Flags().BoolVar(&allowFetch, "allow-fetch", false, "Grant the fetchUrl capability")

	return cmd
}

func pluginsEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <name>", "Enable a plugin"
	if !enable {
		use, short = "disable <name>", "Disable a plugin"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := st.GetPluginByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := st.SetPluginEnabled(cmd.Context(), p.ID, enable); err != nil {
				return err
			}
			if enable {
				fmt.Println(ui.Success("enabled " + p.Name))
			} else {
				fmt.Println(ui.Success("disabled " + p.Name))
			}
			return nil
		},
	}
}

func pluginsVerifyCmd() *cobra.Command {
	var update bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify plugin scripts against the stored integrity root",
		Long: `Verify plugin scripts against the stored integrity root.

Computes a merkle root over the enabled plugins' scripts and compares it to
the root recorded at the last --update. A mismatch means a script changed
outside of 'tlab plugins install'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			plugins, err := st.ListPlugins(cmd.Context(), false)
			if err != nil {
				return err
			}

			if update {
				report, err := integrity.Compute(plugins)
				if err != nil {
					return err
				}
				if err := st.SaveIntegrityRoot(cmd.Context(), report.Root); err != nil {
					return err
				}
				fmt.Println(ui.Success("integrity root updated"))
				fmt.Println("  " + ui.Dim(report.Root))
				return nil
			}

			stored, err := st.IntegrityRoot(cmd.Context())
			if err != nil {
				return err
			}
			report, err := integrity.Verify(plugins, stored)
			if err != nil {
				return err
			}
			if stored == "" {
				fmt.Println(ui.Warning("no integrity root recorded yet"))
				fmt.Println(ui.Dim("run 'tlab plugins verify --update' to record one"))
				return nil
			}
			fmt.Println(ui.Success(fmt.Sprintf("%d plugin(s) verified", len(report.Plugins))))
			return nil
		},
	}

	cmd.Flags().BoolVar(&update, "update", false, "Record the current root as trusted")
	return cmd
}

func pluginsWarningsCmd() *cobra.Command {
	var pluginName string

	cmd := &cobra.Command{
		Use:   "warnings",
		Short: "Show recorded plugin failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			pluginID := ""
			if pluginName != "" {
				p, err := st.GetPluginByName(cmd.Context(), pluginName)
				if err != nil {
					return err
				}
				pluginID = p.ID
			}

			warnings, err := st.Warnings(cmd.Context(), pluginID)
			if err != nil {
				return err
			}
			if len(warnings) == 0 {
				fmt.Println(ui.Dim("no warnings recorded"))
				return nil
			}
			for _, w := range warnings {
				fmt.Printf("%s %s %s\n", ui.Dim(w.CreatedAt.Format("2006-01-02 15:04")),
					ui.Warning(w.PluginName), w.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pluginName, "plugin", "", "Only warnings for this plugin")
	return cmd
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
