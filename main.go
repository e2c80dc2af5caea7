// genqueue/main.go
package main

import (
	"os"

	"genqueue/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
