// Package prompts provides the prompt templates that turn an instruction into
// model input, with override support.
package prompts

import "embed"

//go:embed prompters/*.md
var embeddedFS embed.FS
