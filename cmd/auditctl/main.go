package main

import "os"

func main() {
	if err := newRootCommand(loadConfig).Execute(); err != nil {
		os.Exit(1)
	}
}
