package main

import "crmflow/cmd/cli"

func main() {
	cli.Execute()
}
