package main

import "github.com/teeline/smarthome-washer/cmd"

func main() {
	cmd.Execute()
}
