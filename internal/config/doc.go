// Package config loads, validates and persists the mcphub configuration
// document: global settings plus the declared upstream MCP servers. The
// document is JSON; unknown keys survive a load/save round trip, and the
// declaration order of the servers object is preserved because tool-name
// collision resolution is order-dependent.
package config
