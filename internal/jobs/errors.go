package jobs

import "errors"

var (
	// ErrConflict は同じ (owner, kind, scope) で実行中のジョブが既に
	// 存在する場合に返されます。
	ErrConflict = errors.New("an active job already exists for this scope")

	// ErrInvalidState は状態機械が許可しない遷移に対して返されます。
	// 呼び出し側は失敗ではなく許容されるレースとして扱います。
	ErrInvalidState = errors.New("invalid job state transition")

	// ErrNotFound はジョブが存在しないか、要求者の所有でない場合に
	// 返されます。両者はあえて区別しません。
	ErrNotFound = errors.New("job not found")

	// ErrCancelled はキャンセル要求を検知して処理を打ち切った
	// ワーカーが返します。
	ErrCancelled = errors.New("job cancelled")
)
