/*
Package server runs the operational HTTP endpoint of a cabal process.

Server binds on Listen, serves in the background and drains on Close.
NewOpsHandler builds the handler it serves:

  - /metrics: the Prometheus registry the orchestrator records into.
  - /healthz: 200 while every registered check passes, 503 otherwise.
  - /tree: a JSON snapshot of the live supervision tree.

The endpoint is optional; a run without a metrics address never starts it.
*/
package server
