/*
Package testutil provides shared helpers for tests of the supervision core.

# Capabilities

  - Contexts: TestContext / TestContextWithTimeout / CancelledContext, with
    cleanup registered on the test
  - Event collection: CollectUntilTerminal / CollectAll / EventsOfType /
    SpawnedByTask / StatusTrail
  - Async assertions: AssertEventuallyTrue
  - RunOrchestrator: runs an orchestrator in the background for a test

# Subpackages

  - testutil/mocks: scripted Planner, ToolRunner and Checkpointer
  - testutil/fixtures: ready-made plans for common tree shapes
*/
package testutil
