// Package mcp runs MCP (Model Context Protocol) tool servers as child
// processes and talks to them with JSON-RPC 2.0 over stdin/stdout.
//
// Each configured server gets one long-lived Process that is spawned on
// first use, initialized with the MCP handshake, and shared by every
// caller. Requests are correlated by id so many calls can be in flight
// at once. When a child exits or its pipes fail, every in-flight call
// fails with a termination error and the next call spawns a fresh child.
//
// The Registry maps server names from configuration to processes.
package mcp
