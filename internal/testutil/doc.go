// Package testutil provides test fixtures, a controllable clock, assertion
// helpers and the conformance suite every storage backend runs.
package testutil
