package modules

import (
	"context"
	"fmt"
	"strings"

	"agentry/internal/ai"
	"agentry/internal/logging"
	"agentry/pkg/models"
)

// CodeGeneratorModule renders code through the AI router and falls back
// to deterministic skeletons when no provider can serve the request.
type CodeGeneratorModule struct {
	router *ai.Router
}

func NewCodeGeneratorModule(router *ai.Router) *CodeGeneratorModule {
	return &CodeGeneratorModule{router: router}
}

func (m *CodeGeneratorModule) Descriptor() Descriptor {
	return Descriptor{
		Key:         "code-generator",
		Name:        "Code Generator",
		Version:     "1.0.0",
		Category:    "ai",
		CreditCost:  5,
		Description: "Generates code from a description, with deterministic template fallback.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"language":    map[string]interface{}{"type": "string"},
				"description": map[string]interface{}{"type": "string"},
				"style": map[string]interface{}{
					"type": "string",
					"enum": []string{"handler", "model", "test"},
				},
			},
			"required": []string{"language", "description"},
		},
	}
}

func (m *CodeGeneratorModule) Invoke(ctx context.Context, agent *models.Agent, input map[string]interface{}) (map[string]interface{}, error) {
	language := strings.ToLower(strings.TrimSpace(stringInput(input, "language")))
	description := strings.TrimSpace(stringInput(input, "description"))
	style := stringInput(input, "style")
	if style == "" {
		style = "handler"
	}
	if language == "" || description == "" {
		return nil, fmt.Errorf("language and description must not be empty")
	}

	if m.router != nil && m.router.HasProviders() {
		resp, err := m.router.Generate(ctx, &ai.Request{
			System:      systemPrompt(language, style),
			Prompt:      description,
			Language:    language,
			Temperature: float32(agent.Temperature),
			MaxTokens:   2048,
			UserID:      agent.OwnerID,
		})
		if err == nil {
			return map[string]interface{}{
				"code":     extractCode(resp.Content),
				"language": language,
				"provider": string(resp.Provider),
				"model":    resp.Model,
			}, nil
		}
		logging.S().Warnw("Code generation via router failed, using template",
			"language", language, "error", err)
	}

	return map[string]interface{}{
		"code":     renderTemplate(language, style, description),
		"language": language,
		"provider": "template",
	}, nil
}

func systemPrompt(language, style string) string {
	return fmt.Sprintf(
		"You are a senior %s engineer. Write a single %s implementing the user's request. Return only code, no prose.",
		language, style)
}

// extractCode strips a surrounding markdown fence when a provider
// returns one.
func extractCode(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	lines = lines[1:] // drop the opening fence and its language tag
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			lines = lines[:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func renderTemplate(language, style, description string) string {
	name := identFrom(description)
	snake := snakeFrom(description)

	switch language {
	case "go", "golang":
		return goTemplate(style, name, description)
	case "python", "py":
		return pythonTemplate(style, name, snake, description)
	case "typescript", "ts", "javascript", "js":
		return typescriptTemplate(style, name, description)
	default:
		return fmt.Sprintf("// %s\n// TODO(%s): implement %s\n", description, language, snake)
	}
}

func goTemplate(style, name, description string) string {
	switch style {
	case "model":
		return fmt.Sprintf(`// %s
type %s struct {
	ID        uint      `+"`json:\"id\"`"+`
	CreatedAt time.Time `+"`json:\"created_at\"`"+`
}

func New%s() *%s {
	return &%s{CreatedAt: time.Now()}
}
`, description, name, name, name, name)
	case "test":
		return fmt.Sprintf(`// %s
func Test%s(t *testing.T) {
	got := %s()
	if got == nil {
		t.Fatalf("%s() returned nil")
	}
}
`, description, name, name, name)
	default:
		return fmt.Sprintf(`// %s
func Handle%s(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
`, description, name)
	}
}

func pythonTemplate(style, name, snake, description string) string {
	switch style {
	case "model":
		return fmt.Sprintf(`"""%s"""
from dataclasses import dataclass, field
from datetime import datetime


@dataclass
class %s:
    created_at: datetime = field(default_factory=datetime.utcnow)
`, description, name)
	case "test":
		return fmt.Sprintf(`"""%s"""


def test_%s():
    result = %s()
    assert result is not None
`, description, snake, snake)
	default:
		return fmt.Sprintf(`"""%s"""


def handle_%s(request):
    return {"status": "ok"}
`, description, snake)
	}
}

func typescriptTemplate(style, name, description string) string {
	switch style {
	case "model":
		return fmt.Sprintf(`// %s
export interface %s {
  id: number;
  createdAt: Date;
}
`, description, name)
	case "test":
		return fmt.Sprintf(`// %s
describe("%s", () => {
  it("returns a value", () => {
    expect(%s()).toBeDefined();
  });
});
`, description, name, name)
	default:
		return fmt.Sprintf(`// %s
export async function handle%s(req: Request): Promise<Response> {
  return Response.json({ status: "ok" });
}
`, description, name)
	}
}

// identFrom derives a stable CamelCase identifier from a description.
func identFrom(description string) string {
	words := strings.Fields(description)
	if len(words) > 3 {
		words = words[:3]
	}
	var b strings.Builder
	for _, word := range words {
		clean := keepAlnum(word)
		if clean == "" {
			continue
		}
		b.WriteString(strings.ToUpper(clean[:1]))
		b.WriteString(strings.ToLower(clean[1:]))
	}
	if b.Len() == 0 {
		return "Generated"
	}
	return b.String()
}

func snakeFrom(description string) string {
	words := strings.Fields(description)
	if len(words) > 3 {
		words = words[:3]
	}
	parts := make([]string, 0, len(words))
	for _, word := range words {
		if clean := keepAlnum(word); clean != "" {
			parts = append(parts, strings.ToLower(clean))
		}
	}
	if len(parts) == 0 {
		return "generated"
	}
	return strings.Join(parts, "_")
}

func keepAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stringInput(input map[string]interface{}, key string) string {
	v, _ := input[key].(string)
	return v
}
