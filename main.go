package main

import "github.com/safehost/tokengate/cmd"

func main() {
	cmd.Execute()
}
