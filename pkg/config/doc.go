// Package config parses the peer connection string (§6.1) and loads the
// relay's environment configuration (§6.3). The connection-string grammar
// is a small custom DSL (troparcel://<transport>/<target>[?<params>]) that
// no pack library parses directly, so it is hand-rolled with string
// splitting plus net/url's query helpers rather than pulled from a
// third-party URI library — see
// DESIGN.md for the justification.
package config
