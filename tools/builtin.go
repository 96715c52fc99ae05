package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/dossierbot/dossier/memory"
	"github.com/dossierbot/dossier/types"
)

// Built-in tools. The calculator and kb_search are working implementations;
// the remaining action vocabulary (search, fetch, write_file, draft_email)
// ships as schemas only and the embedding application binds real handlers.

// CalculatorSchema describes the calculator tool input.
func CalculatorSchema() types.ToolSchema {
	return types.ToolSchema{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression with + - * / and parentheses.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"expression": {"type": "string", "description": "Arithmetic expression to evaluate"}
			},
			"required": ["expression"]
		}`),
	}
}

// RegisterCalculator adds the calculator tool to the registry.
func RegisterCalculator(r Registry) error {
	return r.Register("calculator", CalculatorSchema(), func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		value, err := evalExpression(in.Expression)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"expression": in.Expression,
			"result":     value,
		})
	})
}

// KBSearchSchema describes the kb_search tool input.
func KBSearchSchema() types.ToolSchema {
	return types.ToolSchema{
		Name:        "kb_search",
		Description: "Search the internal knowledge base for passages relevant to a query.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Search query"},
				"k": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of passages to return"}
			},
			"required": ["query"]
		}`),
	}
}

// RegisterKBSearch adds a kb_search tool backed by the memory adapter.
func RegisterKBSearch(r Registry, mem memory.Adapter) error {
	return r.Register("kb_search", KBSearchSchema(), func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Query string `json:"query"`
			K     int    `json:"k"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		if in.K <= 0 {
			in.K = 5
		}
		passages, err := mem.SemanticSearch(ctx, in.Query, in.K)
		if err != nil {
			return nil, fmt.Errorf("kb search: %w", err)
		}
		return json.Marshal(passages)
	})
}

// VocabularySchemas returns the schemas of the full action vocabulary the
// planner may select from, including tools the host application must bind
// handlers for before registering.
func VocabularySchemas() []types.ToolSchema {
	return []types.ToolSchema{
		{
			Name:        "web_search",
			Description: "Search the web and return result snippets with URLs.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"query": {"type": "string"}},
				"required": ["query"]
			}`),
		},
		{
			Name:        "web_fetch",
			Description: "Fetch a URL and return its readable text content.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"url": {"type": "string", "format": "uri"}},
				"required": ["url"]
			}`),
		},
		KBSearchSchema(),
		CalculatorSchema(),
		{
			Name:        "file_write",
			Description: "Write text content to a named artifact file.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"filename": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["filename", "content"]
			}`),
		},
		{
			Name:        "emailer",
			Description: "Draft a professional outreach email.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"to": {"type": "string"},
					"subject": {"type": "string"},
					"body": {"type": "string"}
				},
				"required": ["subject", "body"]
			}`),
		},
	}
}

// ---- arithmetic evaluator ----

// evalExpression evaluates + - * / with parentheses and unary minus using
// recursive descent. Division by zero is an error, not a NaN.
func evalExpression(expr string) (float64, error) {
	p := &exprParser{input: expr}
	value, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseSum() (float64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseProduct() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		value, err := p.parseUnary()
		return -value, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		value, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	}

	p.skipSpaces()
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(p.input[start:p.pos]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return value, nil
}
