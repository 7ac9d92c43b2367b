package main

import "reelflow/cmd"

func main() {
	cmd.Execute()
}
