package workspace

import "github.com/bmatcuk/doublestar/v4"

// marker maps a filename glob to a project type. Order matters: the
// first match wins, so tsconfig.json beats package.json for TypeScript
// projects that carry both.
type marker struct {
	pattern string
	project string
}

var markers = []marker{
	{"tsconfig.json", "typescript"},
	{"package.json", "node"},
	{"Cargo.toml", "rust"},
	{"go.mod", "go"},
	{"requirements.txt", "python"},
	{"pyproject.toml", "python"},
	{"*.csproj", "dotnet"},
}

// DetectProjectType classifies a workspace from one directory listing.
func DetectProjectType(entries []string) string {
	for _, m := range markers {
		for _, e := range entries {
			if ok, err := doublestar.Match(m.pattern, e); err == nil && ok {
				return m.project
			}
		}
	}
	return "unknown"
}
