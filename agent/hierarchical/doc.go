// Package hierarchical provides planners and leaf executors for the
// supervision tree.
//
// DecomposingPlanner asks a model backend to split a task into a JSON list
// of subtasks; StaticPlanner replays a fixed table. Coordinator spreads
// leaf tasks over a pool of named executors.
package hierarchical
