// Command birdbrain はX連携の投稿キューと自動投稿サーバーを起動する。
//
// 使い方:
//
//	birdbrain [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/nkxxll/birdbrain/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "birdbrain: %v\n", err)
		os.Exit(1)
	}
}
