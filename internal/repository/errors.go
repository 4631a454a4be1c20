package repository

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

// ErrIdentityConflict は外部IdPのアカウントが既に別ユーザーに紐付いていることを表す。
var ErrIdentityConflict = errors.New("identity already linked to another user")

// isUniqueViolation はエラーが一意制約違反かを判定する。
func isUniqueViolation(err error) bool {
	return pqCode(err) == pgerrcode.UniqueViolation
}

// isForeignKeyViolation はエラーが外部キー制約違反かを判定する。
func isForeignKeyViolation(err error) bool {
	return pqCode(err) == pgerrcode.ForeignKeyViolation
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
