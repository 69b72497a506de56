// Command deploychain runs dependency-ordered deployment pipelines.
package main

import "os"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		printError(root.ErrOrStderr(), err)
		return exitCode(err)
	}
	return ExitSuccess
}
