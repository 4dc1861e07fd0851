package parser

import (
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

var ErrUnterminatedQuote = errors.New("unterminated quote")

// SyntaxError is returned when a line cannot be parsed into pipelines, or
// uses shell syntax that cush does not run.
type SyntaxError struct {
	near string
	msg  string
}

func (e SyntaxError) Error() string {
	switch {
	case e.msg != "":
		return "syntax error: " + e.msg
	case e.near == "":
		return "syntax error near end of line"
	default:
		return fmt.Sprintf("syntax error near '%s'", e.near)
	}
}

// Parse parses line into a CommandLine. A blank line yields a CommandLine
// with no pipelines.
//
// Statements are separated by ";" or "&" and each is a pipeline of simple
// commands joined by "|" or "|&". The first command may read from a file
// with "<"; the last may write to one with ">", ">>", ">&", "&>" or "&>>". A
// command's "2>&1" merges its stderr into its stdout.
func Parse(line string) (*CommandLine, error) {
	f, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).
		Parse(strings.NewReader(line), "")
	if err != nil {
		if strings.Contains(err.Error(), "without closing quote") {
			return nil, ErrUnterminatedQuote
		}

		return nil, SyntaxError{msg: err.Error()}
	}

	b := &builder{src: line}

	cl := &CommandLine{}
	for _, stmt := range f.Stmts {
		p, err := b.pipeline(stmt)
		if err != nil {
			return nil, err
		}

		cl.Pipelines = append(cl.Pipelines, p)
	}

	return cl, nil
}

// builder converts parsed statements into Pipelines.
type builder struct {
	src string
}

func (b *builder) pipeline(stmt *syntax.Stmt) (*Pipeline, error) {
	if stmt.Negated || stmt.Coprocess {
		return nil, SyntaxError{near: b.text(stmt)}
	}

	p := &Pipeline{Background: stmt.Background}

	if err := b.stage(p, stmt); err != nil {
		return nil, err
	}

	if len(p.Commands) == 0 {
		return nil, SyntaxError{near: b.text(stmt)}
	}

	return p, nil
}

// stage appends the commands of stmt to p. Pipes nest either way round, so
// both sides are walked in order.
func (b *builder) stage(p *Pipeline, stmt *syntax.Stmt) error {
	switch cmd := stmt.Cmd.(type) {
	case *syntax.BinaryCmd:
		if cmd.Op != syntax.Pipe && cmd.Op != syntax.PipeAll {
			return SyntaxError{near: cmd.Op.String()}
		}

		if len(stmt.Redirs) > 0 {
			return SyntaxError{near: stmt.Redirs[0].Op.String()}
		}

		if err := b.stage(p, cmd.X); err != nil {
			return err
		}

		if cmd.Op == syntax.PipeAll {
			p.Commands[len(p.Commands)-1].MergeStderr = true
		}

		// Anything after a pipe means the output file was not on the last
		// command.
		if p.OutputFile != "" {
			return SyntaxError{near: cmd.Op.String()}
		}

		return b.stage(p, cmd.Y)

	case *syntax.CallExpr:
		if len(cmd.Assigns) > 0 {
			return SyntaxError{near: b.text(cmd.Assigns[0])}
		}

		c := Command{}
		for _, w := range cmd.Args {
			c.Argv = append(c.Argv, b.word(w))
		}

		first := len(p.Commands) == 0
		for _, r := range stmt.Redirs {
			if err := b.redirect(p, &c, r, first); err != nil {
				return err
			}
		}

		p.Commands = append(p.Commands, c)

		return nil

	case nil:
		// Only redirections, e.g. "> out".
		if len(stmt.Redirs) > 0 {
			return SyntaxError{near: stmt.Redirs[0].Op.String()}
		}

		return SyntaxError{}

	default:
		return SyntaxError{near: b.text(cmd)}
	}
}

func (b *builder) redirect(p *Pipeline, c *Command, r *syntax.Redirect, first bool) error {
	op := r.Op.String()

	fd := ""
	if r.N != nil {
		fd = r.N.Value
	}

	target := b.word(r.Word)

	switch {
	case r.Op == syntax.RdrIn && fd == "":
		if !first || p.InputFile != "" {
			return SyntaxError{near: op}
		}
		p.InputFile = target

	case r.Op == syntax.DplOut && fd == "2" && target == "1":
		c.MergeStderr = true

	case (r.Op == syntax.RdrOut || r.Op == syntax.AppOut) && (fd == "" || fd == "1"),
		(r.Op == syntax.DplOut || r.Op == syntax.RdrAll || r.Op == syntax.AppAll) &&
			fd == "" && !isFd(target):
		if p.OutputFile != "" {
			return SyntaxError{near: op}
		}
		p.OutputFile = target
		p.Append = r.Op == syntax.AppOut || r.Op == syntax.AppAll
		if r.Op != syntax.RdrOut && r.Op != syntax.AppOut {
			c.MergeStderr = true
		}

	default:
		return SyntaxError{near: fd + op}
	}

	return nil
}

func isFd(s string) bool {
	if s == "-" {
		return true
	}

	return s != "" && strings.Trim(s, "0123456789") == ""
}

// word removes quoting from w. Expansions are not performed and are kept as
// written.
func (b *builder) word(w *syntax.Word) string {
	var sb strings.Builder

	for _, part := range w.Parts {
		switch part := part.(type) {
		case *syntax.Lit:
			sb.WriteString(unescape(part.Value, ""))
		case *syntax.SglQuoted:
			sb.WriteString(part.Value)
		case *syntax.DblQuoted:
			for _, inner := range part.Parts {
				if lit, ok := inner.(*syntax.Lit); ok {
					sb.WriteString(unescape(lit.Value, "$`\"\\\n"))
					continue
				}
				sb.WriteString(b.text(inner))
			}
		default:
			sb.WriteString(b.text(part))
		}
	}

	return sb.String()
}

// unescape drops the backslash before any byte in special, or before every
// byte when special is empty. An escaped newline is removed entirely.
func unescape(s, special string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var sb strings.Builder

	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			sb.WriteByte(s[i])
			continue
		}

		next := s[i+1]
		if special != "" && strings.IndexByte(special, next) < 0 {
			sb.WriteByte(s[i])
			continue
		}

		i++
		if next != '\n' {
			sb.WriteByte(next)
		}
	}

	return sb.String()
}

// text returns the source of n as written on the line.
func (b *builder) text(n syntax.Node) string {
	start, end := n.Pos().Offset(), n.End().Offset()
	if end > uint(len(b.src)) || start > end {
		return ""
	}

	return b.src[start:end]
}
