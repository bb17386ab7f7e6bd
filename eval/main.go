// eval contains a tool for evaluating the botnet gossip protocol and
// implementation.
package main

import (
	"github.com/strongloop-forks/node-botnet/eval/cmd"
)

func main() {
	cmd.Execute()
}
