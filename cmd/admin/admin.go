// Package admin implements the operator command-line tools.
package admin

import (
	"github.com/spf13/cobra"
)

// Cmd is the admin sub-command.
var Cmd = cobra.Command{
	Use:   "admin",
	Short: "Operator tools",
}
