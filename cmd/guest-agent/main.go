package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/guest-agent/internal/agent"
	"github.com/breeze-rmm/guest-agent/internal/capture"
	"github.com/breeze-rmm/guest-agent/internal/config"
	"github.com/breeze-rmm/guest-agent/internal/logging"
	"github.com/breeze-rmm/guest-agent/internal/session"
)

var (
	version   = "0.1.0"
	cfgFile   string
	serverURL string
	synthetic bool
)

var rootCmd = &cobra.Command{
	Use:   "guest-agent",
	Short: "Screen streaming guest agent",
	Long:  `Guest Agent - streams this device's screen to a remote controller and applies its input events`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the relay and start streaming",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

var endSessionCmd = &cobra.Command{
	Use:   "end-session",
	Short: "Forget the current session code, keeping credentials",
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(s *session.Store) error { return s.EndSession() })
		fmt.Println("Session ended.")
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Wipe the stored auth token and session",
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(s *session.Store) error { return s.ClearAll() })
		fmt.Println("Credentials cleared.")
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a config file with the defaults and any --server override",
	Run: func(cmd *cobra.Command, args []string) {
		writeConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Guest Agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/guest-agent/guest-agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "relay server URL")
	runCmd.Flags().BoolVar(&synthetic, "synthetic", false, "stream a generated test pattern instead of the display")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(endSessionCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		}
		os.Exit(1)
	}
	return cfg
}

func initLogging(cfg *config.Config) func() {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return func() {}
	}

	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file, logging to stdout: %v\n", err)
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return func() {}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, rw.Tee())
	return func() { rw.Close() }
}

func runAgent() {
	cfg := loadConfig()
	closeLog := initLogging(cfg)
	defer closeLog()

	opts := agent.Options{Config: cfg}
	if synthetic {
		opts.Source = &capture.SyntheticSource{}
	}

	a, err := agent.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise agent: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting Guest Agent v%s\n", version)
	fmt.Printf("Server: %s\n", cfg.ServerURL)

	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start agent: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	fmt.Println("\nShutting down agent...")
	a.Stop()
}

func openStore(cfg *config.Config) (*session.Store, error) {
	fs, err := session.OpenFileStore(cfg.SessionStorePath)
	if err != nil {
		return nil, err
	}
	return session.NewStore(fs), nil
}

func withStore(fn func(*session.Store) error) {
	cfg := loadConfig()
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session store: %v\n", err)
		os.Exit(1)
	}
	if err := fn(store); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to update session store: %v\n", err)
		os.Exit(1)
	}
}

func checkStatus() {
	cfg := loadConfig()
	store, err := openStore(cfg)
	if err != nil {
		fmt.Println("Status: Session store unreadable")
		fmt.Printf("Error: %v\n", err)
		return
	}

	snap := store.Snapshot()
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Printf("Session store: %s\n", cfg.SessionStorePath)
	if !snap.HasToken() {
		fmt.Println("Status: Not authenticated")
		return
	}
	if !snap.Active {
		fmt.Println("Status: Authenticated, no active session")
		return
	}
	fmt.Println("Status: Session active")
	fmt.Printf("Session code: %s\n", snap.SessionCode)
}

func writeConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.Default()
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if result := cfg.ValidateTiered(); result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		}
		os.Exit(1)
	}
	if err := config.SaveTo(cfg, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Config written.")
	fmt.Println("Run 'guest-agent run' to start streaming.")
}
