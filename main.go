// The main package for the harvester executable.
package main

import (
	"os"

	"github.com/chainscope/harvester/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
