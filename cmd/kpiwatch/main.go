package main

import "kpiwatch/internal/cli"

func main() {
	cli.Execute()
}
