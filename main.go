package main

import "github.com/shaharia-lab/outagewatch/cmd"

func main() {
	cmd.Execute()
}
