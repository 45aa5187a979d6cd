package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func handleHelpArg(cmd *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return false
	}
	if strings.EqualFold(args[0], "help") {
		_ = cmd.Help()
		return true
	}
	return false
}

func missingArgError(cmd *cobra.Command, name string) error {
	_ = cmd.Help()
	return fmt.Errorf("required argument %s not set", name)
}

// requireArgs checks the positional arguments against their names.
func requireArgs(cmd *cobra.Command, args []string, names ...string) error {
	if len(args) < len(names) {
		return missingArgError(cmd, names[len(args)])
	}
	return nil
}
