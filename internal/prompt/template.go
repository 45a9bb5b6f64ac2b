package prompt

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Directives recognised at the start of a template line.
const (
	dirInclude    = "include"
	dirIf         = "if"
	dirElif       = "elif"
	dirElse       = "else"
	dirEndif      = "endif"
	dirBlock      = "block"
	dirSysinfo    = "sysinfo"
	dirEndSysinfo = "endsysinfo"
	dirSet        = "set"
)

type node interface{}

// textNode is one template line after splitting out ${...} substitutions.
type textNode struct {
	line     int
	segments []segment
}

type segment struct {
	raw  string
	expr Expr
	// name is set when the substitution is a bare identifier; unknown
	// identifiers are emitted verbatim.
	name string
}

type includeNode struct {
	line int
	ref  string
}

type branch struct {
	cond Expr
	body []node
}

type ifNode struct {
	branches []branch
	elseBody []node
}

type blockNode struct{}

type sysinfoNode struct {
	line int
	body []node
}

type setNode struct {
	line int
	name string
	expr Expr
}

type template struct {
	path  string
	nodes []node
}

// SyntaxError reports a template that could not be parsed.
type SyntaxError struct {
	Path string
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

type lineParser struct {
	path  string
	lines []string
	pos   int
}

func parseTemplate(path, src string) (*template, error) {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	p := &lineParser{path: path, lines: strings.Split(strings.TrimSuffix(src, "\n"), "\n")}
	nodes, stop, err := p.body()
	if err != nil {
		return nil, err
	}
	if stop.word != "" {
		return nil, p.errorf(stop.line, "unexpected @%s", stop.word)
	}
	return &template{path: path, nodes: nodes}, nil
}

func (p *lineParser) errorf(line int, format string, args ...any) error {
	return &SyntaxError{Path: p.path, Line: line, Msg: fmt.Sprintf(format, args...)}
}

type stopper struct {
	word string
	arg  string
	line int
}

// body parses lines until EOF or a closing directive, which is returned
// unconsumed in the sense that the caller decides whether it was expected.
func (p *lineParser) body() ([]node, stopper, error) {
	var nodes []node
	for p.pos < len(p.lines) {
		lineNo := p.pos + 1
		raw := p.lines[p.pos]
		p.pos++

		trimmed := strings.TrimSpace(raw)
		if strings.HasPrefix(trimmed, "//") {
			continue
		}
		word, arg, ok := directive(trimmed)
		if !ok {
			if strings.HasPrefix(trimmed, "@@") {
				raw = strings.Replace(raw, "@@", "@", 1)
			}
			tn, err := p.text(lineNo, raw)
			if err != nil {
				return nil, stopper{}, err
			}
			nodes = append(nodes, tn)
			continue
		}

		switch word {
		case dirElif, dirElse, dirEndif, dirEndSysinfo:
			return nodes, stopper{word: word, arg: arg, line: lineNo}, nil

		case dirInclude:
			ref := strings.Trim(arg, `"'<> `)
			if ref == "" {
				return nil, stopper{}, p.errorf(lineNo, "@include needs a path")
			}
			nodes = append(nodes, includeNode{line: lineNo, ref: ref})

		case dirBlock:
			nodes = append(nodes, blockNode{})

		case dirIf:
			n, err := p.ifChain(lineNo, arg)
			if err != nil {
				return nil, stopper{}, err
			}
			nodes = append(nodes, n)

		case dirSysinfo:
			inner, stop, err := p.body()
			if err != nil {
				return nil, stopper{}, err
			}
			if stop.word != dirEndSysinfo {
				return nil, stopper{}, p.unterminated(lineNo, "@sysinfo", stop)
			}
			nodes = append(nodes, sysinfoNode{line: lineNo, body: inner})

		case dirSet:
			name, value, found := strings.Cut(arg, "=")
			name = strings.TrimSpace(name)
			if !found || !isIdent(name) {
				return nil, stopper{}, p.errorf(lineNo, "@set wants name = expression")
			}
			e, err := ParseExpr(value)
			if err != nil {
				return nil, stopper{}, p.errorf(lineNo, "@set %s: %v", name, err)
			}
			nodes = append(nodes, setNode{line: lineNo, name: name, expr: e})
		}
	}
	return nodes, stopper{}, nil
}

func (p *lineParser) ifChain(line int, cond string) (node, error) {
	var n ifNode
	for {
		e, err := ParseExpr(cond)
		if err != nil {
			return nil, p.errorf(line, "condition: %v", err)
		}
		body, stop, err := p.body()
		if err != nil {
			return nil, err
		}
		n.branches = append(n.branches, branch{cond: e, body: body})

		switch stop.word {
		case dirEndif:
			return n, nil
		case dirElif:
			line, cond = stop.line, stop.arg
		case dirElse:
			elseBody, end, err := p.body()
			if err != nil {
				return nil, err
			}
			if end.word != dirEndif {
				return nil, p.unterminated(stop.line, "@else", end)
			}
			n.elseBody = elseBody
			return n, nil
		default:
			return nil, p.unterminated(line, "@if", stop)
		}
	}
}

func (p *lineParser) unterminated(line int, what string, stop stopper) error {
	if stop.word == "" {
		return p.errorf(line, "%s is never closed", what)
	}
	return p.errorf(stop.line, "unexpected @%s inside %s opened at line %d", stop.word, what, line)
}

// text splits a line into literal runs and ${...} substitutions. "$${"
// escapes a literal "${".
func (p *lineParser) text(line int, raw string) (textNode, error) {
	tn := textNode{line: line}
	rest := raw
	var lit strings.Builder
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			lit.WriteString(rest)
			break
		}
		if i > 0 && rest[i-1] == '$' {
			lit.WriteString(rest[:i-1])
			lit.WriteString("${")
			rest = rest[i+2:]
			continue
		}
		lit.WriteString(rest[:i])
		end := strings.IndexByte(rest[i:], '}')
		if end < 0 {
			return textNode{}, p.errorf(line, "unterminated ${")
		}
		inner := strings.TrimSpace(rest[i+2 : i+end])
		e, err := ParseExpr(inner)
		if err != nil {
			return textNode{}, p.errorf(line, "${%s}: %v", inner, err)
		}
		if lit.Len() > 0 {
			tn.segments = append(tn.segments, segment{raw: lit.String()})
			lit.Reset()
		}
		seg := segment{raw: rest[i : i+end+1], expr: e}
		if isIdent(inner) {
			seg.name = inner
		}
		tn.segments = append(tn.segments, seg)
		rest = rest[i+end+1:]
	}
	if lit.Len() > 0 {
		tn.segments = append(tn.segments, segment{raw: lit.String()})
	}
	return tn, nil
}

// directive splits "@word rest" into its parts. Only known directive words
// count; "@@", "@" followed by a non-letter and any other word are plain
// text.
func directive(trimmed string) (word, arg string, ok bool) {
	if len(trimmed) < 2 || trimmed[0] != '@' {
		return "", "", false
	}
	body := trimmed[1:]
	first, _ := utf8.DecodeRuneInString(body)
	if !unicode.IsLetter(first) {
		return "", "", false
	}
	end := strings.IndexFunc(body, unicode.IsSpace)
	if end < 0 {
		word, arg = body, ""
	} else {
		word, arg = body[:end], strings.TrimSpace(body[end:])
	}
	word = strings.ToLower(word)
	if !slices.Contains(knownDirectives, word) {
		// "@player said hi" is prose.
		return "", "", false
	}
	return word, arg, true
}

var knownDirectives = []string{
	dirInclude, dirIf, dirElif, dirElse, dirEndif,
	dirBlock, dirSysinfo, dirEndSysinfo, dirSet,
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && (unicode.IsDigit(r) || r == '.')) {
			continue
		}
		return false
	}
	switch strings.ToLower(s) {
	case "true", "false", "null", "none", "nil", "and", "or", "not", "contains":
		return false
	}
	return true
}
