package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		args  string
		arity int
		want  []string
	}{
		{"empty", "", 2, []string{}},
		{"fewer than arity", "create", 2, []string{"create"}},
		{"exact", `create "lunch?"`, 2, []string{"create", "lunch?"}},
		{"last slot takes the rest", "create where do we eat today?", 2, []string{"create", "where do we eat today?"}},
		{"rest keeps quotes", `vote 1 "extra words" here`, 2, []string{"vote", `1 "extra words" here`}},
		{"single quotes", `say 'hello there'`, 2, []string{"say", "hello there"}},
		{"escaped quote", `say "a \"quoted\" word"`, 2, []string{"say", `a "quoted" word`}},
		{"apostrophe inside word", "say don't", 2, []string{"say", "don't"}},
		{"collapses whitespace between slots", "a    b", 3, []string{"a", "b"}},
		{"no limit", "a b c", 0, []string{"a", "b", "c"}},
		{"arity one", "everything goes here", 1, []string{"everything goes here"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.args, tt.arity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitUnterminatedQuote(t *testing.T) {
	for _, args := range []string{`create "lunch?`, `'oops`, `a b "c`} {
		_, err := Split(args, 2)
		assert.ErrorIs(t, err, ErrUnterminatedQuote, args)
	}
}
