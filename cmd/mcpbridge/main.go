// Command mcpbridge serves one MCP endpoint that re-exposes the tools,
// resources and prompts of every registered upstream MCP server.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
