// Package internal holds token generation and bearer-credential encoding
// shared by the engine and its stores. Nothing here is part of the public API.
package internal
