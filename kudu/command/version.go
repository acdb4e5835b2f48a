package command

import (
	"fmt"
	"runtime"

	"github.com/jimmy-src/kudu/kudu/util/version"
)

var cmdVersion = &Command{
	Run:       runVersion,
	UsageLine: "version",
	Short:     "print the version",
	Long:      `Version prints the kudu tool version`,
}

func runVersion(cmd *Command, args []string) bool {
	if len(args) != 0 {
		cmd.Usage()
	}

	fmt.Printf("version %s %s %s\n", version.Version(), runtime.GOOS, runtime.GOARCH)
	return true
}
