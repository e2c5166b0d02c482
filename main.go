package main

import "github.com/quantfabric/marketbeat/cmd"

func main() {
	cmd.Execute()
}
