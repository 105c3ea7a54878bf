package gen

import (
	"licensing-controlplane/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("snowflake",
	fx.Provide(NewSnowflakeNode),
)

// NewSnowflakeNode builds the id node from SNOWFLAKE.NODE. Each replica must
// use a distinct node id.
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Snowflake.Node)
	if err != nil {
		zap.L().Error("failed to init snowflake node", zap.Int64("node", cfg.Snowflake.Node), zap.Error(err))
		return nil, err
	}
	return node, nil
}
