// Package config holds node configuration: the YAML file format, defaults,
// driver overrides, TLS material and the node identity key.
//
// Components never depend on Config directly; they consume the narrow
// NodeConfiguration interface so tests can hand them a plain struct.
package config
