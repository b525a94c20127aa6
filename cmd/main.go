package main

import (
	"github.com/live-connector/cmd/agent"
)

func main() {
	agent.Execute()
}
