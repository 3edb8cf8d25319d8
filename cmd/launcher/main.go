// Command launcher starts a Chrome instance prepared for the relay: remote
// debugging enabled for the headless agent, and optionally the devbrowser
// extension preloaded. User flags come from CHROME_FLAGS plus a JSON overlay
// file, merged with extension-flag semantics.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/devbrowser/relay/lib/chromeflags"
)

func main() {
	chromePath := flag.String("chrome", "google-chrome", "Chrome binary path or name")
	extensionDir := flag.String("extension", "", "Unpacked devbrowser extension directory to preload")
	overlayPath := flag.String("overlay", "", "Path to a JSON flags overlay file")
	userDataDir := flag.String("user-data-dir", "", "Chrome profile directory")
	headless := flag.Bool("headless", false, "Run Chrome headless")
	flag.Parse()

	debugPort := strings.TrimSpace(os.Getenv("DEBUG_PORT"))
	if debugPort == "" {
		debugPort = "9223"
	}

	var overlay []string
	if *overlayPath != "" {
		var err error
		overlay, err = chromeflags.ReadOverlay(*overlayPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed reading overlay flags: %v\n", err)
			os.Exit(1)
		}
	}
	if *extensionDir != "" {
		overlay = append(overlay,
			"--load-extension="+*extensionDir,
			"--disable-extensions-except="+*extensionDir,
		)
	}

	merged := chromeflags.MergeWithBase(os.Getenv("CHROME_FLAGS"), overlay)

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%s", debugPort),
		"--remote-allow-origins=*",
		"--no-first-run",
		"--no-default-browser-check",
	}
	if *userDataDir != "" {
		args = append(args, "--user-data-dir="+*userDataDir)
	}
	if *headless {
		args = append([]string{"--headless=new"}, args...)
	}
	args = append(args, merged...)

	bin, err := execLookPath(*chromePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chrome binary not found: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("launching %s %s\n", bin, strings.Join(args, " "))

	// Replace this process so signals reach Chrome directly.
	argv := append([]string{bin}, args...)
	if err := syscall.Exec(bin, argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to exec chrome: %v\n", err)
		os.Exit(1)
	}
}

// execLookPath resolves a binary: absolute and relative paths pass through,
// bare names search PATH.
func execLookPath(name string) (string, error) {
	if strings.Contains(name, "/") {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	return exec.LookPath(name)
}
