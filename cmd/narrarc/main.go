// narrarc builds layered narrative memory from chat exports and answers
// questions over it.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Chen-speculation/narrarc/internal/agent"
	"github.com/Chen-speculation/narrarc/internal/build"
	"github.com/Chen-speculation/narrarc/internal/config"
	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Command flags
	talkerFlag   string
	forceSignals bool
	streamFlag   bool
	jsonFlag     bool
	yesFlag      bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "narrarc",
	Short: "Narrative memory for two-person chat histories",
	Long: `narrarc turns a timestamped chat export into layered narrative memory:
topic units, behavioral signals with anomaly anchors, and cross-session
topic threads. Built memory is queried through a bounded agent that
retrieves, grades, and verifies its evidence before answering.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.Logging.Enabled {
			if err := logging.Init(cfg.Logging.Dir, cfg.Logging.Level); err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.json>",
	Short: "Import a chat export into the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := build.IngestJSON(st, args[0], talkerFlag)
		if err != nil {
			return err
		}
		logger.Info("ingested",
			zap.String("talker", res.TalkerID),
			zap.Int("messages", res.Total),
			zap.Int("usable", res.Kept))
		fmt.Printf("imported %d messages (%d usable) for %s\n", res.Total, res.Kept, res.TalkerID)
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build <talker>",
	Short: "Build or resume narrative memory for a talker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		svc, err := llm.NewServices(cfg)
		if err != nil {
			return err
		}

		start := time.Now()
		pipeline := build.NewPipeline(st, svc, cfg)
		if err := pipeline.Run(cmd.Context(), args[0], build.Options{ForceSignals: forceSignals}); err != nil {
			return err
		}
		logger.Info("build finished",
			zap.String("talker", args[0]),
			zap.Duration("took", time.Since(start)))
		fmt.Printf("built %s in %s\n", args[0], time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <talker> <question>",
	Short: "Ask a question over a talker's built memory",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		svc, err := llm.NewServices(cfg)
		if err != nil {
			return err
		}

		question := strings.Join(args[1:], " ")
		a := agent.New(st, svc, cfg.Workflow)

		var sink func(agent.StreamEvent)
		if streamFlag {
			sink = func(ev agent.StreamEvent) {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Node, ev.Message)
			}
		}

		res, err := a.RunStream(cmd.Context(), args[0], question, sink)
		if err != nil {
			return err
		}

		if jsonFlag {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		fmt.Println(res.Answer)
		if res.Trace.ForcedGeneration {
			fmt.Fprintln(os.Stderr, "note: answered from partial evidence")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <talker>",
	Short: "Show build status for a talker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		status, err := st.Status(args[0])
		if err != nil {
			return err
		}
		fmt.Println(status)

		if status == types.BuildInProgress {
			if p, err := st.GetProgress(args[0]); err == nil && p.Stage != "" {
				fmt.Printf("stage: %s %s\n", p.Stage, p.Detail)
			}
		}
		return nil
	},
}

var talkersCmd = &cobra.Command{
	Use:   "talkers",
	Short: "List conversations in the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		talkers, err := st.ListTalkers()
		if err != nil {
			return err
		}
		if len(talkers) == 0 {
			fmt.Println("no conversations imported")
			return nil
		}
		for _, tk := range talkers {
			last := time.UnixMilli(tk.LastTime).Format("2006-01-02")
			fmt.Printf("%-24s %-20s %8d messages, last %s\n", tk.TalkerID, tk.DisplayName, tk.MessageCount, last)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <talker>",
	Short: "Delete a conversation and all derived memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !yesFlag {
			return fmt.Errorf("refusing to delete %s without --yes", args[0])
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DeleteSession(args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func openStore() (*store.Store, error) {
	return store.Open(cfg.Store.DatabasePath)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default narrarc.yml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	ingestCmd.Flags().StringVar(&talkerFlag, "talker", "", "override the talker id from the file")
	buildCmd.Flags().BoolVar(&forceSignals, "force-signals", false, "recompute signals for every unit")
	queryCmd.Flags().BoolVar(&streamFlag, "stream", false, "print node progress while answering")
	queryCmd.Flags().BoolVar(&jsonFlag, "json", false, "emit the full result as JSON")
	deleteCmd.Flags().BoolVar(&yesFlag, "yes", false, "confirm deletion")

	rootCmd.AddCommand(ingestCmd, buildCmd, queryCmd, statusCmd, talkersCmd, deleteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
