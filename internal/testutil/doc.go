// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing events and agent schemas. These helpers
// panic on invalid input and are not intended for production usage.
package testutil
