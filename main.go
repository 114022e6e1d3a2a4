package main

import "github.com/zwright8/openclaw-sub006/cmd"

func main() {
	cmd.Execute()
}
