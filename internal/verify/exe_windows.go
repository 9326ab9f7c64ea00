//go:build windows

package verify

// ServerExecutable is the Bedrock dedicated server binary name inside a
// server's installation directory.
const ServerExecutable = "bedrock_server.exe"
