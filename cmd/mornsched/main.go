package main

import "github.com/example/mornsign-scheduler/cmd"

func main() {
	cmd.Execute()
}
