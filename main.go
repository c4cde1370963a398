package main

import (
	"os"

	"banken/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
