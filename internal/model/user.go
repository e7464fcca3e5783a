// Package model はドメインモデルを定義する。
package model

import "time"

// User はXアカウントに紐づくサービス利用ユーザーを表す。
// IDはプロバイダーが払い出したユーザーIDをそのまま使用する。
type User struct {
	ID        string
	Username  string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnerIdentity はプロバイダーの "who am I" エンドポイントから取得した本人情報。
type OwnerIdentity struct {
	ID       string
	Username string
	Name     string
}
