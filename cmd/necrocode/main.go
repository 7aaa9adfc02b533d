// Command necrocode is the task-execution engine CLI: it runs the
// dispatcher daemon, manages tasksets, and inspects engine state.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: "+err.Error()))
		os.Exit(1)
	}
}
