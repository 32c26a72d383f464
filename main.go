package main

import "github.com/oasisprotocol/govkeeper/cmd"

func main() {
	cmd.Execute()
}
