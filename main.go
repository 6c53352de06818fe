package main

import "github.com/remindmeorg/remindbot/cmd"

func main() {
	cmd.Execute()
}
