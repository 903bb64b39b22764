// Package config loads the subtype configuration.
//
// Configuration comes from three sources, later ones winning:
//
//  1. Built-in defaults (Default).
//  2. A TOML or YAML file, chosen by extension. A missing file is not an
//     error.
//  3. SUBTYPE_* environment variables.
//
// Durations are written as Go duration strings ("1s", "250ms").
//
// Example TOML:
//
//	[log]
//	level = "debug"
//
//	[service]
//	command = "node"
//	args = ["/opt/tss/bin/tss.js"]
//	bootstrap_dir = "/opt/tss"
//
//	[broker]
//	update_delay = "1s"
//	errors_delay = "1.5s"
//
//	[watcher]
//	backend = "fsnotify"
package config
