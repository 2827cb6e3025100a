package main

import "github.com/bozzfozz/harmony-sub003/cmd"

func main() {
	cmd.Execute()
}
