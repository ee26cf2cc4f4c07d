// Package internaldefs holds the metric names, help strings and bucket bounds
// shared by the exporters.
//
// Both the Prometheus and OTel exporters read from here, so a rename applies to
// every exporter at once.
//
// # What this package must NOT do
//
//   - Import any exporter package.
//   - Perform I/O.
package internaldefs
