package credits

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/mornsign-scheduler/internal/db/dbtest"
)

var codeRe = regexp.MustCompile(`^[0-9A-F]{16}$`)

func TestNewCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		c, err := NewCode()
		require.NoError(t, err)
		require.Regexp(t, codeRe, c)
		require.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
}

func TestNormalizeCode(t *testing.T) {
	require.Equal(t, "0123456789ABCDEF", NormalizeCode("  0123456789abcdef\n"))
	require.Equal(t, "", NormalizeCode("0123456789ABCDE"))
	require.Equal(t, "", NormalizeCode("0123456789ABCDEZ"))
	require.Equal(t, "", NormalizeCode(""))
}

func TestBalance_FirstVisitGetsBonus(t *testing.T) {
	f := (&dbtest.Fake{}).On("ON CONFLICT (user_id) DO UPDATE", func(args []any) dbtest.Reply {
		return dbtest.Reply{Rows: [][]any{{args[1]}}}
	})
	n, err := NewRepo(f, 1).Balance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRedeem(t *testing.T) {
	const code = "0123456789ABCDEF"
	used := false
	f := (&dbtest.Fake{}).
		On("FROM redemption_codes", func(args []any) dbtest.Reply {
			if used || args[0] != code {
				return dbtest.Reply{}
			}
			return dbtest.Reply{Rows: [][]any{{5}}}
		}).
		On("UPDATE redemption_codes", func([]any) dbtest.Reply {
			used = true
			return dbtest.Reply{Affected: 1}
		}).
		On("ON CONFLICT (user_id) DO NOTHING", func([]any) dbtest.Reply { return dbtest.Reply{} }).
		On("FOR UPDATE", func([]any) dbtest.Reply { return dbtest.Reply{Rows: [][]any{{1}}} }).
		On("credits = credits + $2", func(args []any) dbtest.Reply {
			return dbtest.Reply{Rows: [][]any{{1 + args[1].(int)}}}
		})
	r := NewRepo(f, 1)

	amount, balance, err := r.Redeem(context.Background(), "u1", "0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, 5, amount)
	require.Equal(t, 6, balance)
	require.Equal(t, 1, f.TxCount())

	_, _, err = r.Redeem(context.Background(), "u1", code)
	require.ErrorIs(t, err, ErrCodeInvalid, "a code works once")

	_, _, err = r.Redeem(context.Background(), "u1", "nope")
	require.ErrorIs(t, err, ErrCodeInvalid)
}

func TestDebit(t *testing.T) {
	balance := 1
	f := (&dbtest.Fake{}).On("credits = credits - $2", func(args []any) dbtest.Reply {
		n := args[1].(int)
		if balance < n {
			return dbtest.Reply{}
		}
		balance -= n
		return dbtest.Reply{Rows: [][]any{{balance}}}
	})

	left, err := Debit(context.Background(), f, "u1", 1)
	require.NoError(t, err)
	require.Zero(t, left)

	_, err = Debit(context.Background(), f, "u1", 1)
	require.ErrorIs(t, err, ErrInsufficient)
}

func TestGrantAndGenerateValidate(t *testing.T) {
	r := NewRepo(&dbtest.Fake{}, 1)
	_, err := r.Grant(context.Background(), "u1", 0)
	require.Error(t, err)
	_, err = r.GenerateCodes(context.Background(), 0, 1)
	require.Error(t, err)
}

func TestGenerateCodes(t *testing.T) {
	f := (&dbtest.Fake{}).On("INSERT INTO redemption_codes", func(args []any) dbtest.Reply {
		codes := args[0].([]string)
		rows := make([][]any, 0, len(codes))
		for _, c := range codes[1:] { // pretend the first collided
			rows = append(rows, []any{c})
		}
		return dbtest.Reply{Rows: rows}
	})
	got, err := NewRepo(f, 1).GenerateCodes(context.Background(), 4, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, c := range got {
		require.Regexp(t, codeRe, c)
	}
}
