package main

import "github.com/syoslabs/gatehouse/cmd/gatehouse/cmd"

func main() {
	cmd.Execute()
}
