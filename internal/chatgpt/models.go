package chatgpt

// Model describes one entry in the client's model table: the user-facing key,
// the slug the backend expects, and whether turns against it must carry an
// arkose token.
type Model struct {
	Slug        string
	NeedsArkose bool
}

// DefaultModel is used for new conversations when none is configured.
const DefaultModel = "gpt-3.5"

// models maps user-facing model names to backend metadata. The keys are what
// CLI users type; the slugs are what the conversation endpoint expects.
var models = map[string]Model{
	"gpt-3.5": {Slug: "text-davinci-002-render-sha"},
	"gpt-4":   {Slug: "gpt-4", NeedsArkose: true},
	"gpt-4o":  {Slug: "gpt-4o"},
}

// ModelNames returns the known user-facing model names.
func ModelNames() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	return names
}

// lookupModel resolves a user-facing model name, failing fast with
// InvalidModelNameError for anything outside the table.
func lookupModel(name string) (Model, error) {
	if name == "" {
		name = DefaultModel
	}
	m, ok := models[name]
	if !ok {
		return Model{}, &InvalidModelNameError{Name: name, Known: ModelNames()}
	}
	return m, nil
}

// modelNameForSlug reverses a backend slug to the user-facing name, returning
// the slug itself when it is not in the table (older conversations may use
// retired slugs).
func modelNameForSlug(slug string) string {
	for name, m := range models {
		if m.Slug == slug {
			return name
		}
	}
	return slug
}
