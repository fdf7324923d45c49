/*
Package types holds the shared vocabulary of the supervision core.

It depends on no internal package so that agent, persistence, config and the
CLI can all share one definition of:

  - AgentID / OpID / SessionID identifiers
  - AgentRole, a closed tagged variant with a table of per-kind defaults
  - Status and its transition table
  - SessionStats, Result and FailureNote
  - Error / ErrorCode, the structured error used everywhere
*/
package types
