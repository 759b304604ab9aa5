// Package config loads the bot configuration (JSON or YAML) and hot-reloads
// it with fsnotify. Reloads are validated before subscribers see them.
package config
