package main

import (
	"github.com/pachyderm/datumfetch/src/internal/cmdutil"
	"github.com/pachyderm/datumfetch/src/server/cmd/datumfetch/cmd"
)

func main() {
	env := new(cmd.Env)
	if err := cmdutil.Populate(env); err != nil {
		cmdutil.ErrorAndExit("%v", err)
	}
	if err := cmd.DatumfetchCmd(env).Execute(); err != nil {
		cmdutil.ErrorAndExit("%v", err)
	}
}
