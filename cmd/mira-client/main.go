// Command mira-client is the realtime transport core of the Mira chat client.
//
// It keeps one chat socket to the backend open (reconnecting with exponential
// backoff), routes inbound frames to typed subscribers, assembles streamed
// answers into the chat history and builds outbound chat envelopes with the
// active project and editor context.
//
// Usage:
//
//	mira-client run [--config mira.yaml] [--print]
//	mira-client send "why does the build fail?" --file Makefile --branch main
//	mira-client config view -o json
//
// Configuration is read from the YAML file, MIRA_* environment variables
// (MIRA_CONNECTION_URL, MIRA_QUEUE_POLICY, ...) and built-in defaults, in that
// order of precedence. `run` serves a local HTTP API (health, metrics, chat)
// when server.enabled is set.
package main

import (
	"fmt"
	"os"

	"github.com/conarylabs/mira-realtime/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mira-client: %v\n", err)
		os.Exit(1)
	}
}
