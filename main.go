// ModelForge is an ONNX model-serving service: a versioned model registry
// with upload and validation, synchronous predictions behind a Redis result
// cache, and asynchronous inference jobs on a durable queue.
//
// The binary hosts every process role; see the cli package for the
// subcommands (serve, worker, reaper) and their configuration.
package main

import "modelforge.evalgo.org/cli"

func main() {
	cli.Execute()
}
