// Package util holds small helpers shared by the storage backends and the
// OAuth server that do not belong to either.
//
// SafeTruncate and Redact produce the loggable prefix of a code or token;
// full credentials are never written to logs.
package util
