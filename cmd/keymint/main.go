package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/keymint/keymint/internal/logger"
	"github.com/keymint/keymint/internal/migration"
	"github.com/keymint/keymint/internal/server"
	"github.com/keymint/keymint/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
