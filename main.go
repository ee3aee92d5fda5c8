package main

import "github.com/tomeshelf/tomeshelf/cmd"

func main() {
	cmd.Execute()
}
