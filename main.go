package main

import "github.com/deploymenttheory/go-zpool/cmd"

func main() {
	cmd.Execute()
}
