package main

import (
	"context"
	"os"

	"github.com/dmitrijs2005/uploadgate/internal/admin"
)

func main() {
	os.Exit(admin.NewApp().Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
