package version

import (
	"fmt"
)

const (
	major = 0
	minor = 9
)

var (
	commit = ""
)

func Version() string {
	v := fmt.Sprintf("%d.%02d", major, minor)
	if commit != "" {
		v += " " + commit
	}
	return v
}
