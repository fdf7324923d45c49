/*
Package main is the cabal command.

# Overview

cabal runs a scripted supervision tree and prints every event the root
conduit delivers as one JSON line. A scenario file stands in for the model
backend: it scripts the plan of every delegating task and the outcome of
every leaf task, so a run is reproducible end to end.

# Commands

  - run: execute a scenario (-scenario s.yaml [-config c.yaml] [-metrics-addr :9091])
  - validate: check a config file and, optionally, a scenario
  - version: print build information

# Exit status

0 when the root completes, 2 when it fails, 1 on usage or setup errors.
*/
package main
