package main

import "github.com/greenday-app/leafdx/cmd/leafdx/cmd"

func main() {
	cmd.Execute()
}
