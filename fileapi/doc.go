// Package fileapi serves files out of running sandboxes over HTTP.
//
// The execute_python_code tool returns URLs pointing at this server for
// every file a code run produced in the results directory. The single
// download route streams the file with a best-effort Content-Type derived
// from the file extension and an RFC 5987 encoded Content-Disposition.
//
// The server also exposes /healthz and the Prometheus /metrics endpoint.
// File downloads are intentionally unauthenticated: URLs contain the
// unguessable sandbox ID and the server is expected to sit behind the same
// perimeter as the MCP transport.
package fileapi
