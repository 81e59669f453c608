// Command coursehistory はコース履歴アプリのWebサーバー・ワーカー・マイグレーションを起動する。
//
//	coursehistory [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/coursehistory/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "coursehistory: %v\n", err)
		os.Exit(1)
	}
}
