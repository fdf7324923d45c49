/*
Package persistence stores checkpoint records emitted by the supervision
core.

# Overview

Every status change and terminal event of a node produces an
agent.Checkpoint. Hook adapts a CheckpointStore to agent.Checkpointer so
those records land in one of four backends:

  - Memory: process-local, for tests and short runs.
  - File: in-memory cache flushed atomically to a JSON index, for a single
    host.
  - Redis: one key per record plus sorted-set indexes by session, agent
    and time, for shared deployments.
  - SQL: gorm over postgres, mysql or sqlite.

# Usage

	store, err := persistence.NewCheckpointStore(cfg, logger)
	if err != nil {
	    return err
	}
	defer store.Close()

	o, ctrl, err := agent.New(agent.DefaultConfig(),
	    agent.WithCheckpointer(persistence.NewHook(store, logger)))

LatestByAgent folds a session's history into the most recent record per
agent, which is enough to render the last known state of a tree.
*/
package persistence
