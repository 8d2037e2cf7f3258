// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall peer <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	case "token":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: token command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall token <peer-directory> [ttl]")
			os.Exit(1)
		}
		ttl := 24 * time.Hour
		if len(args) > 2 {
			d, err := time.ParseDuration(args[2])
			if err != nil || d <= 0 {
				log.Fatalf("Invalid ttl %q: use a Go duration such as 12h", args[2])
			}
			ttl = d
		}
		printToken(args[1], ttl)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}
	return absDir
}

func runPeer(arg string) {
	dir := peerDir(arg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{PeerDir: dir}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func printToken(arg string, ttl time.Duration) {
	dir := peerDir(arg)
	cfgPath := filepath.Join(dir, app.ConfigFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Viewer.TokenSecret == "" {
		log.Fatalf("viewer.token_secret is empty in %s; the API only accepts local clients", cfgPath)
	}
	tok, err := viewer.IssueToken(cfg.Viewer.TokenSecret, cfg.Identity.UserID, ttl, time.Now())
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(tok)
}

func showUsage() {
	fmt.Println("goopcall - peer-to-peer voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall peer <directory>          Run a call peer")
	fmt.Println("  goopcall token <directory> [ttl]   Print a bearer token for the control API")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run the peer that owns the directory. A default goopcall.json")
	fmt.Println("        is created on first run, named after the directory.")
	fmt.Println()
	fmt.Println("  token <directory> [ttl]")
	fmt.Println("        Sign a token with viewer.token_secret (default ttl 24h)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall peer ./peers/alice")
	fmt.Println("  curl -H \"Authorization: Bearer $(goopcall token ./peers/alice)\" \\")
	fmt.Println("       http://127.0.0.1:8790/api/call/state")
}
