// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// sandbox orchestration tools: creating, listing and deleting sandboxes,
// installing packages, executing Python code and terminal commands, and
// uploading files. It uses the mark3labs/mcp-go library to handle the
// protocol details and delegates every operation to the manager.
//
// Authorization failures never surface as protocol errors. They are encoded
// into the tool result payload so that callers always receive well-formed
// data, with execute_terminal_command keeping its fixed three-field shape.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration. On the HTTP transport the caller identity is
// taken from the X-User-ID header set by the fronting authentication proxy.
package mcpserver
