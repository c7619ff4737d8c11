// Command agentflow runs multi-agent workflows, either once from a file or
// as a long-running API server.
package main

func main() {
	Execute()
}
