package command

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/samber/oops"
)

// argLexer splits an argument string shell-style. An opening quote with no
// partner lexes as Open so the caller can report it.
var argLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Quoted", Pattern: `"(?:\\.|[^"\\])*"|'[^']*'`},
	{Name: "Open", Pattern: `["']`},
	{Name: "Word", Pattern: `[^\s]+`},
	{Name: "whitespace", Pattern: `\s+`},
})

type argLine struct {
	Args []*argToken `parser:"@@*"`
}

type argToken struct {
	Pos lexer.Position `parser:""`

	Quoted *string `parser:"  @Quoted"`
	Open   *string `parser:"| @Open"`
	Word   *string `parser:"| @Word"`
}

func (t *argToken) text() string {
	switch {
	case t.Quoted != nil:
		return unquote(*t.Quoted)
	case t.Word != nil:
		return *t.Word
	}
	return ""
}

var argParser = participle.MustBuild[argLine](participle.Lexer(argLexer))

// Split breaks args into at most arity slots. Quoted arguments lose their
// quotes; the last slot takes the remainder of the line untouched unless it
// is a single token.
func Split(args string, arity int) ([]string, error) {
	line, err := argParser.ParseString("", args)
	if err != nil {
		return nil, oops.Code("ARGS_INVALID").Wrap(fmt.Errorf("parsing arguments: %w", err))
	}
	for _, tok := range line.Args {
		if tok.Open != nil {
			return nil, oops.Code("UNTERMINATED_QUOTE").
				With("offset", tok.Pos.Offset).
				Wrap(ErrUnterminatedQuote)
		}
	}

	toks := line.Args
	if arity <= 0 || len(toks) <= arity {
		slots := make([]string, len(toks))
		for i, tok := range toks {
			slots[i] = tok.text()
		}
		return slots, nil
	}

	slots := make([]string, arity)
	for i := 0; i < arity-1; i++ {
		slots[i] = toks[i].text()
	}
	slots[arity-1] = strings.TrimSpace(args[toks[arity-1].Pos.Offset:])
	return slots, nil
}

func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	quote, body := s[0], s[1:len(s)-1]
	if quote == '\'' {
		return body
	}
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) && (body[i+1] == '"' || body[i+1] == '\\') {
			i++
		}
		b.WriteByte(body[i])
	}
	return b.String()
}
