// Package builtin embeds the BuiltIn knowledge tier shipped with the binary.
package builtin

import (
	"embed"
	"io/fs"

	"autopilot/internal/knowledge"
)

//go:embed snippets
var files embed.FS

// FS returns the embedded snippet tree rooted at snippets/.
func FS() fs.FS {
	sub, err := fs.Sub(files, "snippets")
	if err != nil {
		panic(err) // directory is embedded at compile time
	}
	return sub
}

// Loader returns a loader for the BuiltIn tier.
func Loader() *knowledge.DirLoader {
	return knowledge.NewFSLoader(knowledge.TierBuiltIn, FS(), "builtin")
}
