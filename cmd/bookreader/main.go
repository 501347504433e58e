package main

import (
	"fmt"
	"os"
	"strings"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"cameras": true, "set-camera": true, "resolution": true,
	"capture": true, "transform": true, "filter": true,
	"results": true, "clear": true, "journal": true,
	"serve": true, "mcp": true,
	"help": true, "h": true,
}

// valueFlags are global flags that take a separate value argument.
var valueFlags = map[string]bool{
	"--home": true, "-home": true,
	"--server": true, "-server": true,
}

// firstCommand returns the first positional argument, skipping global flags.
func firstCommand(args []string) string {
	for i := 1; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
		if valueFlags[arg] {
			i++
		}
	}
	return ""
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode(args []string) bool {
	if len(args) < 2 {
		return false
	}
	if isHelpOrVersion(args) {
		return true
	}
	return firstCommand(args) != ""
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion(args []string) bool {
	for _, arg := range args[1:] {
		switch arg {
		case "--help", "-h", "--version", "-v", "help":
			return true
		}
	}
	return false
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _                 _
  | |__   ___   ___ | | __ _ __ ___  __ _  __| | ___ _ __
  | '_ \ / _ \ / _ \| |/ /| '__/ _ \/ _' |/ _' |/ _ \ '__|
  | |_) | (_) | (_) |   < | | |  __/ (_| | (_| |  __/ |
  |_.__/ \___/ \___/|_|\_\|_|  \___|\__,_|\__,_|\___|_|

  Book page capture and OCR controller

  Usage: bookreader <command> [options]
         bookreader serve
         bookreader --help

  MCP server mode requires piped input.`)
}

func main() {
	args := os.Args
	if !isCLIMode(args) {
		// Interactive terminal without a command: show banner, don't start MCP
		if isTerminal() {
			printBanner()
			return
		}
		args = append(args[:len(args):len(args)], "mcp")
	}

	env := newAppEnv(os.Stdin, os.Stdout, os.Stderr)
	err := newCLIApp(env).Run(args)
	env.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
