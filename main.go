package main

import (
	"os"

	"flying/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
