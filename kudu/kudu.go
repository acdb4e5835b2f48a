package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"

	"github.com/jimmy-src/kudu/kudu/command"
)

var exitStatus = 0

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	if args[0] == "help" {
		help(args[1:])
		return
	}

	for _, cmd := range command.Commands {
		if cmd.Name() == args[0] && cmd.Runnable() {
			cmd.Flag.Usage = func() { cmd.Usage() }
			if err := cmd.Flag.Parse(args[1:]); err != nil {
				os.Exit(2)
			}
			if !cmd.Run(cmd, cmd.Flag.Args()) {
				exitStatus = 1
			}
			glog.Flush()
			os.Exit(exitStatus)
		}
	}

	fmt.Fprintf(os.Stderr, "kudu: unknown subcommand %q\nRun 'kudu help' for usage.\n", args[0])
	os.Exit(2)
}

var usageTemplate = `kudu: check a tablet-sharded storage cluster for consistency

Usage:

	kudu command [arguments]

The commands are:
`

func usage() {
	printUsage(os.Stderr)
	os.Exit(2)
}

func help(args []string) {
	if len(args) == 0 {
		printUsage(os.Stdout)
		return
	}
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: kudu help command\n\nToo many arguments given.\n")
		os.Exit(2)
	}
	for _, cmd := range command.Commands {
		if cmd.Name() == args[0] {
			fmt.Fprintf(os.Stdout, "Example: kudu %s\n", cmd.UsageLine)
			fmt.Fprintf(os.Stdout, "Default Parameters:\n")
			cmd.Flag.SetOutput(os.Stdout)
			cmd.Flag.PrintDefaults()
			fmt.Fprintf(os.Stdout, "Description:\n")
			fmt.Fprintf(os.Stdout, "  %s\n", strings.TrimSpace(cmd.Long))
			return
		}
	}
	fmt.Fprintf(os.Stderr, "Unknown help topic %#q. Run 'kudu help'.\n", args[0])
	os.Exit(2)
}

func printUsage(w *os.File) {
	fmt.Fprint(w, usageTemplate)
	for _, cmd := range command.Commands {
		fmt.Fprintf(w, "\t%-11s %s\n", cmd.Name(), cmd.Short)
	}
	fmt.Fprintln(w)
}
