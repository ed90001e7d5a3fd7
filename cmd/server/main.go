package main

import "github.com/casafeed/server/cmd/server/cmd"

func main() {
	cmd.Execute()
}
