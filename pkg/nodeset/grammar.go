package nodeset

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
)

// rangeLexer tokenizes a single range literal, e.g. "host[08-10,42].dom".
// Brackets, commas and dashes are only meaningful inside a "[...]" group;
// elsewhere they are just more characters of a host name fragment, so the
// grammar below re-assembles consecutive Text/Int/Dash tokens outside of
// brackets back into one literal run.
var rangeLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "LBracket", Pattern: `\[`},
	{Name: "RBracket", Pattern: `\]`},
	{Name: "Comma", Pattern: `,`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "Dash", Pattern: `-`},
	{Name: "Text", Pattern: `[^\[\],\d-]+`},
})

// rangeLiteral is the top-level AST node for one bracketed host literal.
type rangeLiteral struct {
	Parts []*literalPart `parser:"@@+"`
}

// literalPart is either a plain text fragment or a bracketed range group.
type literalPart struct {
	Bracket *bracketGroup `parser:"  @@"`
	Text    string        `parser:"| @(Text|Int|Dash)"`
}

// bracketGroup is "[" <range-item> ("," <range-item>)* "]".
type bracketGroup struct {
	Items []*rangeItem `parser:"\"[\" @@ (\",\" @@)* \"]\""`
}

// rangeItem is a single integer or a hyphenated pair, kept as strings so
// leading-zero padding survives ("08-10").
type rangeItem struct {
	Low  string `parser:"@Int"`
	High *string `parser:"( \"-\" @Int )?"`
}

var literalParser = participle.MustBuild[rangeLiteral](
	participle.Lexer(rangeLexer),
)

// expandLiteral parses one range literal and returns every host name it
// denotes, via the Cartesian product of its bracket groups.
func expandLiteral(text string) ([]string, error) {
	ast, err := literalParser.ParseString("", text)
	if err != nil {
		return nil, cuminerrors.FromParticipleError(err, fmt.Sprintf("malformed range literal %q", text))
	}

	segments := make([]string, 0, 1)
	segments = append(segments, "")

	var pendingText strings.Builder
	flushText := func() {
		if pendingText.Len() == 0 {
			return
		}
		frag := pendingText.String()
		for i := range segments {
			segments[i] += frag
		}
		pendingText.Reset()
	}

	for _, part := range ast.Parts {
		if part.Bracket != nil {
			flushText()
			values, err := expandBracket(part.Bracket)
			if err != nil {
				return nil, err
			}
			next := make([]string, 0, len(segments)*len(values))
			for _, seg := range segments {
				for _, v := range values {
					next = append(next, seg+v)
				}
			}
			segments = next
			continue
		}
		pendingText.WriteString(part.Text)
	}
	flushText()

	return segments, nil
}

func expandBracket(group *bracketGroup) ([]string, error) {
	var values []string
	for _, item := range group.Items {
		width := len(item.Low)
		lowN, err := atoi(item.Low)
		if err != nil {
			return nil, cuminerrors.New(cuminerrors.ParseError, "bad range endpoint %q", item.Low)
		}
		if item.High == nil {
			values = append(values, pad(lowN, width))
			continue
		}
		if len(*item.High) > width {
			width = len(*item.High)
		}
		highN, err := atoi(*item.High)
		if err != nil {
			return nil, cuminerrors.New(cuminerrors.ParseError, "bad range endpoint %q", *item.High)
		}
		if highN < lowN {
			return nil, cuminerrors.New(cuminerrors.ParseError, "descending range %d-%d", lowN, highN)
		}
		for n := lowN; n <= highN; n++ {
			values = append(values, pad(n, width))
		}
	}
	return values, nil
}

func atoi(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, cuminerrors.New(cuminerrors.ParseError, "not a digit: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func pad(n int, width int) string {
	s := itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
