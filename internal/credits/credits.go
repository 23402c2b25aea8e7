// Package credits tracks per-user reservation credits and one-shot
// redemption codes that top them up.
package credits

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/example/mornsign-scheduler/internal/db"
)

var (
	ErrInsufficient = errors.New("insufficient credits")
	ErrCodeInvalid  = errors.New("redemption code invalid or already used")
)

const DefaultInitialBonus = 1

// CodeLength is the number of hex characters in a redemption code.
const CodeLength = 16

type Repo struct {
	db           db.TxQuerier
	initialBonus int
}

func NewRepo(d db.TxQuerier, initialBonus int) *Repo {
	if initialBonus < 0 {
		initialBonus = 0
	}
	return &Repo{db: d, initialBonus: initialBonus}
}

// Balance returns the user's credits. A user seen for the first time is
// created with the initial bonus.
func (r *Repo) Balance(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
INSERT INTO user_credits(user_id, credits) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
RETURNING credits`, userID, r.initialBonus).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", userID, db.WrapNotFound(err))
	}
	return n, nil
}

// Redeem marks an unused code as used by userID and adds its amount.
func (r *Repo) Redeem(ctx context.Context, userID, code string) (amount, balance int, err error) {
	code = NormalizeCode(code)
	if code == "" {
		return 0, 0, ErrCodeInvalid
	}
	err = r.db.InTx(ctx, func(q db.Querier) error {
		err := q.QueryRow(ctx, `
SELECT amount FROM redemption_codes
WHERE code=$1 AND is_used=false
FOR UPDATE`, code).Scan(&amount)
		if err != nil {
			if db.IsNotFound(err) {
				return ErrCodeInvalid
			}
			return err
		}
		if err := q.Exec(ctx, `
UPDATE redemption_codes SET is_used=true, used_by=$2, used_at=now()
WHERE code=$1`, code, userID); err != nil {
			return err
		}
		if _, err := LockBalance(ctx, q, userID, r.initialBonus); err != nil {
			return err
		}
		balance, err = add(ctx, q, userID, amount)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return amount, balance, nil
}

// Grant adds amount credits to a user (operator top-up).
func (r *Repo) Grant(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	var balance int
	err := r.db.InTx(ctx, func(q db.Querier) error {
		if _, err := LockBalance(ctx, q, userID, r.initialBonus); err != nil {
			return err
		}
		var err error
		balance, err = add(ctx, q, userID, amount)
		return err
	})
	return balance, err
}

// GenerateCodes inserts n fresh codes worth amount each and returns the
// ones actually stored.
func (r *Repo) GenerateCodes(ctx context.Context, n, amount int) ([]string, error) {
	if n <= 0 || amount <= 0 {
		return nil, fmt.Errorf("count and amount must be positive")
	}
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		c, err := NewCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}

	rows, err := r.db.Query(ctx, `
INSERT INTO redemption_codes(code, amount)
SELECT unnest($1::text[]), $2
ON CONFLICT (code) DO NOTHING
RETURNING code`, codes, amount)
	if err != nil {
		return nil, fmt.Errorf("insert codes: %w", err)
	}
	defer rows.Close()
	stored := make([]string, 0, n)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		stored = append(stored, c)
	}
	return stored, rows.Err()
}

// LockBalance makes sure the user's row exists and locks it for the rest of
// the transaction, returning the current balance.
func LockBalance(ctx context.Context, q db.Querier, userID string, initialBonus int) (int, error) {
	if err := q.Exec(ctx, `
INSERT INTO user_credits(user_id, credits) VALUES ($1, $2)
ON CONFLICT (user_id) DO NOTHING`, userID, initialBonus); err != nil {
		return 0, fmt.Errorf("ensure credits row: %w", err)
	}
	var n int
	if err := q.QueryRow(ctx, `SELECT credits FROM user_credits WHERE user_id=$1 FOR UPDATE`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("lock credits row: %w", db.WrapNotFound(err))
	}
	return n, nil
}

// Debit takes n credits or fails with ErrInsufficient. Call after LockBalance
// in the same transaction.
func Debit(ctx context.Context, q db.Querier, userID string, n int) (int, error) {
	var left int
	err := q.QueryRow(ctx, `
UPDATE user_credits SET credits = credits - $2, updated_at = now()
WHERE user_id=$1 AND credits >= $2
RETURNING credits`, userID, n).Scan(&left)
	if err != nil {
		if db.IsNotFound(err) {
			return 0, ErrInsufficient
		}
		return 0, fmt.Errorf("debit: %w", err)
	}
	return left, nil
}

func add(ctx context.Context, q db.Querier, userID string, n int) (int, error) {
	var balance int
	err := q.QueryRow(ctx, `
UPDATE user_credits SET credits = credits + $2, updated_at = now()
WHERE user_id=$1
RETURNING credits`, userID, n).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit: %w", db.WrapNotFound(err))
	}
	return balance, nil
}

// NewCode returns a random 16 character upper-case hex code.
func NewCode() (string, error) {
	b := make([]byte, CodeLength/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeCode trims and upper-cases user input; it returns "" for
// anything that cannot be a code.
func NormalizeCode(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != CodeLength {
		return ""
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ""
	}
	return s
}
