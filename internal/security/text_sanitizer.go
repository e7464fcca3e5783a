// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は投稿テキストからHTMLマークアップを取り除く。
// Xへの投稿はプレーンテキストとして扱われるため、bluemondayのStrictPolicyで
// すべてのタグを除去した上でエンティティを元の文字に戻す。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は投稿テキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize はテキストからタグを除去し、前後の空白を取り除いて返す。
	// script, styleタグは中身ごと除去される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに使用できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はテキストからタグを除去する。
func (s *textSanitizer) Sanitize(raw string) string {
	// StrictPolicyは & < > などをエスケープして返すため、プレーンテキストに戻す
	stripped := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(stripped))
}

var _ TextSanitizer = (*textSanitizer)(nil)
