// Package prompts embeds the prompt templates used by the query
// pipeline.
package prompts

import "embed"

//go:embed *.md
var PromptsFS embed.FS
