package main

import "github.com/jmcleod/homepage360/cmd/homepage360/cmd"

func main() {
	cmd.Execute()
}
