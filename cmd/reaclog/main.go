package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reaclog/internal/config"
	"reaclog/internal/jsonl"
	"reaclog/internal/logging"
	"reaclog/internal/pipeline"
	"reaclog/internal/session"
	"reaclog/internal/slack"
	"reaclog/internal/tail"
)

var (
	// Global flags
	verbose    bool
	dataDir    string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "reaclog",
	Short: "reaclog - chat activity capture over the remote debugging protocol",
	Long: `reaclog attaches to the Slack desktop app through its remote debugging
endpoint, reconstructs posts and reactions from intercepted traffic and
rendered UI state, and appends them to a date-partitioned JSONL event log.

Run without arguments to start capturing.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(filepath.Join(".reaclog", "logs")); err != nil {
			return fmt.Errorf("failed to initialize debug logs: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runCapture,
}

// captureCmd runs the ingestion loop explicitly
var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Attach to the Slack desktop app and capture events until interrupted",
	Long: `Connects to the remote debugging endpoint, attaches to the first open
Slack window, and streams reconstructed events into the log. Disconnects are
retried with backoff until the process receives SIGINT or SIGTERM.`,
	RunE: runCapture,
}

// tailCmd prints or follows a day's log partitions
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print a day's events as JSON lines, optionally following appends",
	RunE:  runTail,
}

// targetsCmd lists what the debugging endpoint exposes
var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List debugging targets exposed by the endpoint",
	Long: `Lists every target the remote debugging endpoint currently exposes and
marks the one capture would attach to. Useful when the Slack window is not
being found.`,
	RunE: runTargets,
}

var (
	tailDate   string
	tailFollow bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "event log root (default from REACLOG_DATA_DIR, then ./data)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "reaclog.config.json", "runtime config file")

	tailCmd.Flags().StringVar(&tailDate, "date", "", "day to read as YYYY-MM-DD (default today)")
	tailCmd.Flags().BoolVar(&tailFollow, "follow", false, "keep streaming newly appended events")

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(targetsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveSetup folds flags, the runtime config file, and the environment
// into the effective settings.
func resolveSetup() (config.Runtime, string, *time.Location, error) {
	rt, err := config.LoadRuntime(configPath)
	if err != nil {
		return rt, "", nil, err
	}
	dir := dataDir
	if dir == "" {
		dir = rt.DataDir
	}
	if dir == "" {
		dir = config.ResolveDataDir()
	}
	return rt, dir, rt.Location(), nil
}

func runCapture(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, dir, loc, err := resolveSetup()
	if err != nil {
		return err
	}
	if !rt.SlackEnabled() {
		logger.Warn("slack capture disabled by config; nothing to do")
		return nil
	}

	endpoint := config.ResolveEndpoint()
	writer := jsonl.NewWriter(dir, loc)

	supervisor := session.NewSupervisor(session.Config{
		Dial: func(ctx context.Context) (session.Attachment, error) {
			return session.Connect(ctx, endpoint)
		},
		Build: func(att session.Attachment) (session.Runner, error) {
			sess, ok := att.(*session.Session)
			if !ok {
				return nil, fmt.Errorf("unexpected attachment type %T", att)
			}
			adapter := slack.NewAdapter(sess.Page, slack.Options{Location: loc})
			return pipeline.NewIngestor(adapter, writer), nil
		},
	})

	logger.Info("capture starting",
		zap.String("endpoint", endpoint.Addr()),
		zap.String("data_dir", dir),
		zap.String("timezone", loc.String()))
	return supervisor.Run(ctx)
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, dir, loc, err := resolveSetup()
	if err != nil {
		return err
	}

	day := time.Now().In(loc)
	if tailDate != "" {
		day, err = time.ParseInLocation("2006-01-02", tailDate, loc)
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", tailDate, err)
		}
	}

	distributor := tail.NewDistributor(dir, loc)
	encoder := json.NewEncoder(os.Stdout)

	if !tailFollow {
		return dumpDay(distributor.DayDir(day), encoder)
	}

	sub := distributor.Subscribe(ctx, day)
	defer sub.Close()

	logger.Info("following", zap.String("day_dir", distributor.DayDir(day)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case record, ok := <-sub.Records():
			if !ok {
				return nil
			}
			if err := encoder.Encode(record); err != nil {
				return err
			}
		}
	}
}

// dumpDay prints every record already logged under a day directory.
func dumpDay(dayDir string, encoder *json.Encoder) error {
	entries, err := os.ReadDir(dayDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "summaries" {
			continue
		}
		records, err := jsonl.ReadFile(filepath.Join(dayDir, entry.Name(), "events.jsonl"))
		if err != nil {
			return err
		}
		for _, record := range records {
			if err := encoder.Encode(record); err != nil {
				return err
			}
		}
	}
	return nil
}

func runTargets(cmd *cobra.Command, args []string) error {
	endpoint := config.ResolveEndpoint()
	controlURL, err := launcher.ResolveURL(endpoint.Addr())
	if err != nil {
		return fmt.Errorf("resolve debugging endpoint %s: %w", endpoint.Addr(), err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to debugging endpoint %s: %w", endpoint.Addr(), err)
	}
	defer func() { _ = browser.Close() }()

	result, err := proto.TargetGetTargets{}.Call(browser)
	if err != nil {
		return fmt.Errorf("list debugging targets: %w", err)
	}

	found := false
	for _, info := range result.TargetInfos {
		marker := "  "
		if !found && (info.Type == "page" || info.Type == "webview") && strings.Contains(info.URL, "slack.com") {
			marker = "* "
			found = true
		}
		fmt.Printf("%s%-10s %s\n", marker, info.Type, info.URL)
	}
	if !found {
		fmt.Println("no Slack window found; is the desktop app running with remote debugging enabled?")
	}
	return nil
}
