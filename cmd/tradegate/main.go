package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haiphen/tradegate/internal/config"
	"github.com/haiphen/tradegate/internal/tui"
	"github.com/haiphen/tradegate/internal/util"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Flags are parsed after the config is loaded, so --profile is picked
	// out of os.Args by hand first.
	cfg := config.LoadFromDisk(profileArg(os.Args[1:]))
	a := &app{cfg: cfg}

	root := &cobra.Command{
		Use:           "tradegate",
		Short:         "Broker gateway: one order API over many trading venues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if len(os.Args) == 1 {
		printLandingPage()
	}

	var noColor bool
	root.PersistentFlags().StringVar(&cfg.Profile, "profile", cfg.Profile, "Profile name (separate config, vault and audit files)")
	root.PersistentFlags().IntVar(&cfg.Server.Port, "port", cfg.Server.Port, "Gateway port")
	root.PersistentFlags().StringVar(&a.remote, "remote", os.Getenv("TRADEGATE_REMOTE"), "Talk to a running gateway at this origin instead of connecting venues locally")
	root.PersistentFlags().StringVar(&a.token, "token", os.Getenv("TRADEGATE_TOKEN"), "Bearer token for --remote (default: the one saved by `tradegate login`)")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if noColor {
			tui.DisableColors()
		}
		return nil
	}

	root.AddCommand(cmdServe(a))
	root.AddCommand(cmdLogin(a))
	root.AddCommand(cmdLogout(a))
	root.AddCommand(cmdVenues(a))
	root.AddCommand(cmdBrokers(a))
	root.AddCommand(cmdAccount(a))
	root.AddCommand(cmdPositions(a))
	root.AddCommand(cmdSummary(a))
	root.AddCommand(cmdOrder(a))
	root.AddCommand(cmdStream(a))
	root.AddCommand(cmdVault(a))
	root.AddCommand(cmdLedger(a))
	root.AddCommand(cmdAudit(a))
	root.AddCommand(cmdVersion())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", tui.C(tui.Red, "✗"), err)
		os.Exit(1)
	}
}

// profileArg finds --profile before cobra has parsed anything.
func profileArg(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if arg == "--profile" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--profile="); ok && v != "" {
			return v
		}
	}
	if p := os.Getenv("TRADEGATE_PROFILE"); p != "" {
		return p
	}
	return "default"
}

func printLandingPage() {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		width = 0
	}
	util.PrintBanner(os.Stdout, util.BannerFor(width))
	fmt.Println()

	fmt.Printf("  %s v%s (%s)\n", tui.C(tui.Bold, "tradegate"), version, shortCommit())
	fmt.Printf("  %s\n", tui.C(tui.Gray, "Broker integration and order execution gateway"))
	fmt.Println()
	fmt.Printf("  %s\n", tui.C(tui.Bold, "Quick Start:"))
	fmt.Printf("    %s        %s\n", tui.C(tui.Cyan, "tradegate venues"), tui.C(tui.Gray, "Supported venues and their credentials"))
	fmt.Printf("    %s     %s\n", tui.C(tui.Cyan, "tradegate vault set"), tui.C(tui.Gray, "Store credentials for a broker"))
	fmt.Printf("    %s  %s\n", tui.C(tui.Cyan, "tradegate brokers test"), tui.C(tui.Gray, "Check a broker connection"))
	fmt.Printf("    %s         %s\n", tui.C(tui.Cyan, "tradegate order"), tui.C(tui.Gray, "Place a market order"))
	fmt.Printf("    %s         %s\n", tui.C(tui.Cyan, "tradegate serve"), tui.C(tui.Gray, "Run the HTTP gateway"))
	fmt.Printf("    %s        %s\n", tui.C(tui.Cyan, "tradegate --help"), tui.C(tui.Gray, "Full command reference"))
	fmt.Println()
}

func shortCommit() string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

func cmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version, commit, and build date",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tradegate %s (commit %s, built %s)\n", version, shortCommit(), date)
		},
	}
}
