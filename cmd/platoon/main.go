// Command platoon orchestrates multi-squad task runs against the
// Anthropic API: plan, execute, quality-gate, report.
package main

func main() {
	Execute()
}
