// Package mcp contains the protocol vocabulary the state layer needs: method
// names, logging levels, notification parameter shapes and the task wire
// representation. It mirrors the Model Context Protocol wire format while
// keeping the surface Go-friendly (exported structs with json tags, string
// constants for method names and enumerations).
//
// The package is free of transport logic. Transports frame these types;
// the tasks, eventlog and notifications packages produce and consume them.
package mcp
