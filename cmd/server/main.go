package main

import "edgewaf/cmd/server/cmd"

func main() {
	cmd.Execute()
}
