package commands

import (
	"fmt"
	"strings"

	"github.com/ChenxingM/RenderQ/logger"
	"github.com/ChenxingM/RenderQ/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, dbPath, addr string) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	white := "\033[37m"
	bgBlack := "\033[40m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║        %s%s%s██████   ██████    %s                       ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║        %s%s%s██   ██ ██    ██   %s                       ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║        %s%s%s██████  ██    ██   %s                       ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║        %s%s%s██   ██ ██ ▄▄ ██   %s                       ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║        %s%s%s██   ██  ██████    %s                       ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║           %s%s%s         ▀▀      %s                       ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║   %s▣%s Queue  %s⟐%s Dispatch  %s✦%s Render  %s♺%s Encode      ║\n",
		blue, reset+cyan+bold, yellow, reset+cyan+bold, green, reset+cyan+bold, white, reset+cyan+bold)
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ RenderQ Info ──────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, versionInfo.BuildTime)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	fmt.Printf("%s│%s API:       http://localhost%s\n", green, reset, displayAddr(addr))
	if dbPath != "" {
		fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	}
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s✨ Workers poll /api/workers/{id}/request-task for work%s\n", yellow, bold, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}

// displayAddr normalizes a listen address for the banner: ":8000" and
// "0.0.0.0:8000" both serve on localhost.
func displayAddr(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ":" + addr
}
