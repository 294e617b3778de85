package util

import "strings"

// SlugDelimiter separates the command name from its space/module qualifiers
// in a runnable slug: command_name[@space][@module].
const SlugDelimiter = "@"

// Slug builds a runnable's filesystem-safe identity key from its command
// name and optional space/module qualifiers, per spec: a runnable's
// identity is (command_name, space, module?).
func Slug(commandName, space, module string) string {
	var b strings.Builder
	b.WriteString(commandName)
	if space != "" {
		b.WriteString(SlugDelimiter)
		b.WriteString(space)
	}
	if module != "" {
		b.WriteString(SlugDelimiter)
		b.WriteString(module)
	}
	return b.String()
}

// SplitSlug parses a slug back into its command name and qualifiers.
// Returns ok=false if slug is empty.
func SplitSlug(slug string) (commandName, space, module string, ok bool) {
	if slug == "" {
		return "", "", "", false
	}
	parts := strings.Split(slug, SlugDelimiter)
	commandName = parts[0]
	if len(parts) > 1 {
		space = parts[1]
	}
	if len(parts) > 2 {
		module = parts[2]
	}
	return commandName, space, module, true
}
