package main

import "github.com/spiderexpress/spiderexpress-go/cmd"

func main() {
	cmd.Execute()
}
