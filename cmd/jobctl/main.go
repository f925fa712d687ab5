// Command jobctl drives the job-orchestration engine described by
// internal/orchestrator: create, activate, step, and inspect jobs that
// delegate phases of work to an external executor binary under a git-backed
// workspace.
package main

func main() {
	Execute()
}
