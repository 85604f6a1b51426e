// Package testgen synthesizes browser test scripts for a freshly
// installed module. It inspects the module bundle to learn which
// models, views, and menus exist, builds a focused prompt, and asks
// the Anthropic Messages API for a runnable Playwright/pytest script.
package testgen

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"omb-test-runner/internal/config"
)

// ErrGeneration marks test synthesis failures: API errors, empty
// completions, or completions with no usable script.
var ErrGeneration = errors.New("test generation failed")

// MessagesClient is the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService so tests can pass a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Mode selects how thorough the synthesized script should be.
type Mode string

const (
	// ModeQuick asks for a smoke script: login, open the module's
	// menus, verify the main views render.
	ModeQuick Mode = "quick"
	// ModeComprehensive additionally exercises record creation,
	// required-field validation, and any wizards the bundle defines.
	ModeComprehensive Mode = "comprehensive"
)

// Request carries everything the generator needs for one synthesis.
type Request struct {
	ModuleName    string
	Specification string
	Bundle        map[string]string
	BaseURL       string
	Mode          Mode
}

// Generator builds prompts and calls the model.
type Generator struct {
	client MessagesClient
	cfg    config.LLMConfig
}

func NewGenerator(client MessagesClient, cfg config.LLMConfig) *Generator {
	return &Generator{client: client, cfg: cfg}
}

// Synthesize produces the Python source of a pytest+Playwright test
// module for the given request. The returned script expects ODOO_URL
// in its environment and is written to run headless.
func (g *Generator) Synthesize(ctx context.Context, req Request) (string, error) {
	if req.ModuleName == "" {
		return "", fmt.Errorf("%w: module name is required", ErrGeneration)
	}
	if req.Mode == "" {
		req.Mode = ModeComprehensive
	}

	analysis := AnalyzeBundle(req.Bundle)
	prompt := buildPrompt(req, analysis)

	log.Debug().
		Str("module", req.ModuleName).
		Str("mode", string(req.Mode)).
		Int("models", len(analysis.Models)).
		Int("views", len(analysis.Views)).
		Int("prompt_bytes", len(prompt)).
		Msg("requesting test synthesis")

	params := sdk.MessageNewParams{
		Model:     sdk.Model(g.cfg.Model),
		MaxTokens: int64(g.cfg.MaxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if g.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(g.cfg.Temperature)
	}

	msg, err := g.client.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: messages.new: %v", ErrGeneration, err)
	}
	if msg == nil || len(msg.Content) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrGeneration)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	script := ExtractScript(text.String())
	if script == "" {
		return "", fmt.Errorf("%w: completion contained no python script", ErrGeneration)
	}
	return script, nil
}

// BundleAnalysis summarizes the structure regex scanning found.
type BundleAnalysis struct {
	Models    []string
	Views     []string
	Menus     []string
	HasAccess bool
	Wizards   []string
}

var (
	modelClassPattern = regexp.MustCompile(`class\s+(\w+)\(models\.(Model|TransientModel|AbstractModel)\)`)
	modelNamePattern  = regexp.MustCompile(`_name\s*=\s*["']([\w.]+)["']`)
	viewRecordPattern = regexp.MustCompile(`<record[^>]*model=["']ir\.ui\.view["']`)
	menuPattern       = regexp.MustCompile(`<menuitem[^>]*name=["']([^"']+)["']|<record[^>]*model=["']ir\.ui\.menu["']`)
	viewNamePattern   = regexp.MustCompile(`<field name="name">([^<]+)</field>`)
)

// AnalyzeBundle extracts model names, view names, and menu labels from
// the bundle by pattern, not by parsing. Missing structure is fine;
// the prompt just carries less detail.
func AnalyzeBundle(bundle map[string]string) BundleAnalysis {
	var a BundleAnalysis
	seen := map[string]bool{}

	paths := make([]string, 0, len(bundle))
	for p := range bundle {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		content := bundle[path]
		switch {
		case strings.HasSuffix(path, ".py"):
			classes := modelClassPattern.FindAllStringSubmatch(content, -1)
			names := modelNamePattern.FindAllStringSubmatch(content, -1)
			for i, cls := range classes {
				name := cls[1]
				if i < len(names) {
					name = names[i][1]
				}
				if seen[name] {
					continue
				}
				seen[name] = true
				if cls[2] == "TransientModel" {
					a.Wizards = append(a.Wizards, name)
				} else {
					a.Models = append(a.Models, name)
				}
			}
		case strings.HasSuffix(path, ".xml"):
			if viewRecordPattern.MatchString(content) {
				for _, m := range viewNamePattern.FindAllStringSubmatch(content, -1) {
					a.Views = append(a.Views, m[1])
				}
			}
			for _, m := range menuPattern.FindAllStringSubmatch(content, -1) {
				if m[1] != "" {
					a.Menus = append(a.Menus, m[1])
				}
			}
		}
		if strings.Contains(strings.ToLower(path), "security") {
			a.HasAccess = true
		}
	}
	return a
}

const maxFileExcerpt = 2048

// priorityFiles picks up to five bundle files most useful as prompt
// context, model definitions and views first, each capped so a large
// file cannot crowd out the rest.
func priorityFiles(bundle map[string]string) []string {
	type scored struct {
		path  string
		score int
	}
	var files []scored
	for path := range bundle {
		score := 0
		lower := strings.ToLower(path)
		switch {
		case strings.HasSuffix(path, ".py") && strings.Contains(lower, "model"):
			score = 5
		case strings.HasSuffix(path, ".py"):
			score = 4
		case strings.HasSuffix(path, ".xml") && strings.Contains(lower, "view"):
			score = 3
		case strings.HasSuffix(path, ".xml") && strings.Contains(lower, "menu"):
			score = 3
		case strings.HasSuffix(path, ".xml"):
			score = 2
		case strings.HasSuffix(path, ".csv"):
			score = 1
		}
		if score > 0 {
			files = append(files, scored{path, score})
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].score != files[j].score {
			return files[i].score > files[j].score
		}
		return files[i].path < files[j].path
	})
	if len(files) > 5 {
		files = files[:5]
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths
}

func buildPrompt(req Request, analysis BundleAnalysis) string {
	var b strings.Builder

	b.WriteString("You are writing automated browser tests for an Odoo module that was just installed in a disposable test environment.\n\n")
	fmt.Fprintf(&b, "Module: %s\n", req.ModuleName)
	if len(analysis.Models) > 0 {
		fmt.Fprintf(&b, "Models: %s\n", strings.Join(analysis.Models, ", "))
	}
	if len(analysis.Wizards) > 0 {
		fmt.Fprintf(&b, "Wizards: %s\n", strings.Join(analysis.Wizards, ", "))
	}
	if len(analysis.Views) > 0 {
		fmt.Fprintf(&b, "Views: %s\n", strings.Join(analysis.Views, ", "))
	}
	if len(analysis.Menus) > 0 {
		fmt.Fprintf(&b, "Menus: %s\n", strings.Join(analysis.Menus, ", "))
	}

	if req.Specification != "" {
		b.WriteString("\nThe module was built from this specification:\n---\n")
		b.WriteString(req.Specification)
		b.WriteString("\n---\n")
	}

	paths := priorityFiles(req.Bundle)
	if len(paths) > 0 {
		b.WriteString("\nKey source files:\n")
		for _, path := range paths {
			content := req.Bundle[path]
			if len(content) > maxFileExcerpt {
				content = content[:maxFileExcerpt] + "\n# ... truncated\n"
			}
			fmt.Fprintf(&b, "\n### %s\n```\n%s\n```\n", path, content)
		}
	}

	b.WriteString("\nWrite a single pytest test module using Playwright's sync API.\n")
	b.WriteString("Requirements:\n")
	b.WriteString("- Read the target URL from the ODOO_URL environment variable.\n")
	b.WriteString("- Log in as admin/admin before anything else.\n")
	b.WriteString("- Use the `page` fixture provided by conftest; do not launch your own browser.\n")
	b.WriteString("- Every test must assert something concrete (element visible, record saved, count changed).\n")
	b.WriteString("- Use resilient selectors: menu labels and field names, not generated DOM ids.\n")
	b.WriteString("- Wait for Odoo's web client to finish loading after navigation before interacting.\n")

	switch req.Mode {
	case ModeQuick:
		b.WriteString("\nScope: smoke coverage only. Verify login works, the module's menus appear, and each main view opens without a traceback dialog.\n")
	default:
		b.WriteString("\nScope: full functional coverage. In addition to navigation checks:\n")
		b.WriteString("- Create a record through each main form view and verify it saves.\n")
		b.WriteString("- Trigger required-field validation by saving an empty form.\n")
		if len(analysis.Wizards) > 0 {
			b.WriteString("- Open and complete each wizard.\n")
		}
		if analysis.HasAccess {
			b.WriteString("- Verify the module's menus are visible to the admin user.\n")
		}
	}

	b.WriteString("\nReply with only the Python source, inside one ```python code block.\n")
	return b.String()
}

var codeBlockPattern = regexp.MustCompile("(?s)```(?:python)?\n(.*?)```")

// ExtractScript pulls the Python source out of a model completion.
// Prefers a fenced code block; falls back to the raw text when the
// whole completion already looks like Python.
func ExtractScript(completion string) string {
	if m := codeBlockPattern.FindStringSubmatch(completion); m != nil {
		return strings.TrimSpace(m[1])
	}
	trimmed := strings.TrimSpace(completion)
	if strings.Contains(trimmed, "def test_") || strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "from ") {
		return trimmed
	}
	return ""
}
