package model

import "time"

// Post はユーザーが作成した投稿（下書き）を表す。
// WasSentは一度でも公開に成功したかどうかを示す。
type Post struct {
	ID        string
	UserID    string
	Content   string
	WasSent   bool
	CreatedAt time.Time
}
