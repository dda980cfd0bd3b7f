package main

import "github.com/pilab-dev/docid-auth/cmd/docidctl/cmd"

func main() {
	cmd.Execute()
}
