// Command opctx inspects and checks an opctx deployment.
//
// Usage:
//
//	opctx [flags] <command>
//
// Commands:
//   - doctor: check reader/writer connectivity, tenant binding and RLS
//   - queue status: report the job queue backlog
//   - config show: print the effective configuration
//   - version: print build information
package main

func main() {
	Execute()
}
