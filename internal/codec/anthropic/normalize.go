// Package anthropic converts between the Anthropic Messages wire format and
// the prompt/completion protocol of the Copilot backend.
package anthropic

import (
	"regexp"
	"strings"

	anthropicapi "github.com/tjfontaine/copilot-messages-gateway/internal/api/anthropic"
)

// Roles of a canonical turn.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FallbackLanguage is the hint sent when nothing better can be detected.
const FallbackLanguage = "python"

// turnSeparator separates rendered turns in the backend prompt.
const turnSeparator = "\n\n"

// Turn is one role-tagged block of text.
type Turn struct {
	Role string
	Text string
}

// CanonicalPrompt is the role-tagged transcript sent to the backend. Open
// marks that an assistant continuation is expected after the last turn.
type CanonicalPrompt struct {
	Turns []Turn
	Open  bool
}

// Render produces the backend prompt text.
func (p CanonicalPrompt) Render() string {
	parts := make([]string, 0, len(p.Turns)+1)
	for _, t := range p.Turns {
		parts = append(parts, rolePrefix(t.Role)+": "+t.Text)
	}
	if p.Open {
		parts = append(parts, rolePrefix(RoleAssistant)+": ")
	}
	return strings.Join(parts, turnSeparator)
}

// Text returns every turn's text joined, without role prefixes.
func (p CanonicalPrompt) Text() string {
	parts := make([]string, 0, len(p.Turns))
	for _, t := range p.Turns {
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, turnSeparator)
}

func rolePrefix(role string) string {
	switch role {
	case RoleSystem:
		return "System"
	case RoleAssistant:
		return "Assistant"
	default:
		return "User"
	}
}

// ToCanonical flattens a system prompt and message list into a canonical
// prompt. Turns whose extracted text is empty are skipped. It never fails;
// unknown content degrades to nothing.
func ToCanonical(messages []anthropicapi.Message, system anthropicapi.SystemMessages) CanonicalPrompt {
	var p CanonicalPrompt

	if text := SystemText(system); text != "" {
		p.Turns = append(p.Turns, Turn{Role: RoleSystem, Text: text})
	}

	for _, m := range messages {
		text := ExtractText(m.Content)
		if text == "" {
			continue
		}
		p.Turns = append(p.Turns, Turn{Role: normalizeRole(m.Role), Text: text})
	}

	if n := len(messages); n > 0 && normalizeRole(messages[n-1].Role) == RoleUser {
		p.Open = true
	}
	return p
}

func normalizeRole(role string) string {
	switch strings.ToLower(role) {
	case RoleAssistant:
		return RoleAssistant
	case RoleSystem:
		return RoleSystem
	default:
		return RoleUser
	}
}

// ExtractText returns the text parts of content joined by newlines, in order.
// Tool calls, tool results, images and unknown parts are dropped.
func ExtractText(content anthropicapi.ContentBlock) string {
	var texts []string
	for _, part := range content {
		if !part.IsText() || part.Text == "" {
			continue
		}
		texts = append(texts, part.Text)
	}
	return strings.Join(texts, "\n")
}

// SystemText joins the text of all system blocks.
func SystemText(system anthropicapi.SystemMessages) string {
	var texts []string
	for _, b := range system {
		if b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

var (
	fenceTag  = regexp.MustCompile("```[ \t]*([A-Za-z0-9_+#.-]+)")
	fileToken = regexp.MustCompile(`[A-Za-z0-9_./-]*[A-Za-z0-9_]\.([A-Za-z0-9+]+)\b`)
)

var languageAliases = map[string]string{
	"py":      "python",
	"python3": "python",
	"js":      "javascript",
	"jsx":     "javascriptreact",
	"ts":      "typescript",
	"tsx":     "typescriptreact",
	"golang":  "go",
	"rs":      "rust",
	"rb":      "ruby",
	"sh":      "shellscript",
	"bash":    "shellscript",
	"shell":   "shellscript",
	"zsh":     "shellscript",
	"c++":     "cpp",
	"cs":      "csharp",
	"c#":      "csharp",
	"kt":      "kotlin",
	"yml":     "yaml",
	"md":      "markdown",
}

var extensionLanguages = map[string]string{
	"py":    "python",
	"go":    "go",
	"js":    "javascript",
	"mjs":   "javascript",
	"cjs":   "javascript",
	"jsx":   "javascriptreact",
	"ts":    "typescript",
	"tsx":   "typescriptreact",
	"rs":    "rust",
	"rb":    "ruby",
	"java":  "java",
	"kt":    "kotlin",
	"swift": "swift",
	"c":     "c",
	"h":     "c",
	"cc":    "cpp",
	"cpp":   "cpp",
	"hpp":   "cpp",
	"cs":    "csharp",
	"php":   "php",
	"sh":    "shellscript",
	"sql":   "sql",
	"html":  "html",
	"css":   "css",
	"scss":  "scss",
	"json":  "json",
	"yaml":  "yaml",
	"yml":   "yaml",
	"toml":  "toml",
	"md":    "markdown",
	"lua":   "lua",
	"scala": "scala",
	"dart":  "dart",
	"ex":    "elixir",
	"exs":   "elixir",
	"hs":    "haskell",
	"r":     "r",
	"vue":   "vue",
}

// DetectLanguageHint guesses the programming language of the most recent user
// turn: a fenced code block tag wins, then a recognizable file name, else
// FallbackLanguage.
func DetectLanguageHint(messages []anthropicapi.Message) string {
	var text string
	for i := len(messages) - 1; i >= 0; i-- {
		if normalizeRole(messages[i].Role) == RoleUser {
			text = ExtractText(messages[i].Content)
			break
		}
	}
	if text == "" {
		return FallbackLanguage
	}

	if m := fenceTag.FindStringSubmatch(text); m != nil {
		tag := strings.ToLower(m[1])
		if alias, ok := languageAliases[tag]; ok {
			return alias
		}
		return tag
	}

	for _, m := range fileToken.FindAllStringSubmatch(text, -1) {
		if lang, ok := extensionLanguages[strings.ToLower(m[1])]; ok {
			return lang
		}
	}

	return FallbackLanguage
}
