package main

import "github.com/Mikescher/catenis-client/cmd"

func main() {
	cmd.Execute()
}
