package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/guestcall/internal/app"
	"github.com/petervdpas/guestcall/internal/config"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("guestcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "join":
		runJoin(args[1:])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: guestcall init <profile-directory>")
			os.Exit(1)
		}
		runInit(args[1])

	case "devices":
		runDevices()

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runJoin(args []string) {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	callID := fs.String("call-id", "", "Join this call instead of call.call_id from the config")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: join command requires directory path")
		fmt.Fprintln(os.Stderr, "Usage: guestcall join <profile-directory> [-call-id ID]")
		os.Exit(1)
	}

	absDir, cfgPath := profilePaths(fs.Arg(0))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *callID != "" {
		cfg.Call.CallID = *callID
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	detach := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		if s := <-sigCh; s == syscall.SIGHUP {
			fmt.Println("\nDetaching, the call can be restored...")
			close(detach)
			return
		}
		fmt.Println("\nHanging up...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		ProfileDir: absDir,
		CfgPath:    cfgPath,
		Cfg:        cfg,
		Detach:     detach,
	}); err != nil {
		log.Fatalf("Guest failed: %v", err)
	}
}

func runInit(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid profile directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create profile directory: %v", err)
	}
	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created %s\n", cfgPath)
	}

	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Save config: %v", err)
	}
	if err := cfg.Ready(); err != nil {
		fmt.Printf("Saved, but not ready to join yet: %v\n", err)
		return
	}
	fmt.Printf("Saved. Join with: guestcall join %s\n", absDir)
}

func runDevices() {
	devs, err := app.ListDevices(context.Background(), config.Default())
	if err != nil {
		log.Fatalf("List devices: %v", err)
	}
	if len(devs) == 0 {
		fmt.Println("No camera or microphone found.")
		return
	}
	for _, d := range devs {
		fmt.Printf("%-12s %-40s %s\n", d.Kind, d.ID, d.Label)
	}
}

func profilePaths(dirArg string) (absDir, cfgPath string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid profile directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Profile directory does not exist: %s", absDir)
	}
	return absDir, filepath.Join(absDir, config.FileName)
}

func showUsage() {
	fmt.Println("guestcall - one-to-one call guest")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  guestcall join <directory> [-call-id ID]   Join the configured call")
	fmt.Println("  guestcall init <directory>                 Create or edit a guest profile")
	fmt.Println("  guestcall devices                          List cameras and microphones")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  join <directory>")
	fmt.Println("        Run a guest from the profile directory")
	fmt.Println("        The directory must contain a guestcall.json configuration file")
	fmt.Println("        Ctrl-C hangs up; SIGHUP leaves and keeps the call for the next join")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  guestcall init ./guests/ana")
	fmt.Println("  guestcall join ./guests/ana -call-id 6f1c2e")
}

func printBanner(profileDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  guestcall Guest Runner                ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Profile Directory: %s\n", profileDir)
	fmt.Printf("Config File:       %s\n", cfgPath)
	fmt.Printf("Call:              %s\n", cfg.Call.CallID)
	if cfg.Viewer.HTTPAddr != "" {
		fmt.Printf("Viewer:            %s\n", cfg.Viewer.HTTPAddr)
	}
	fmt.Println()
}
