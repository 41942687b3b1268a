package configs

import "embed"

// InterpreterDefaults contains the shipped interpreter profiles.
//
//go:embed interpreters/*.yaml
var InterpreterDefaults embed.FS
