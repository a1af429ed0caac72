package redis

import (
	"context"

	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"

	"github.com/mukund-aria/ai-flow-saas-sub001/logger"
	"github.com/mukund-aria/ai-flow-saas-sub001/model"
	"github.com/mukund-aria/ai-flow-saas-sub001/persistence"
	"github.com/mukund-aria/ai-flow-saas-sub001/util"
)

const DEFINITION_KEY string = "DEFINITION"

var _ persistence.DefinitionStorage = new(redisDefinitionDao)

type redisDefinitionDao struct {
	baseDao
	encoderDecoder util.Codec[model.FlowDefinition]
}

func NewRedisDefinitionDao(conf Config) *redisDefinitionDao {
	return &redisDefinitionDao{
		baseDao:        *newBaseDao(conf),
		encoderDecoder: util.NewJsonCodec[model.FlowDefinition](),
	}
}

func (dd *redisDefinitionDao) SaveDefinition(ctx context.Context, def model.FlowDefinition) error {
	key := dd.getNamespaceKey(DEFINITION_KEY, def.Name)
	data, err := dd.encoderDecoder.Encode(def)
	if err != nil {
		return err
	}
	if err := dd.redisClient.Set(ctx, key, data, 0).Err(); err != nil {
		logger.Error("error in saving definition", zap.String("definition", def.Name), zap.Error(err))
		return model.TransientError{Cause: err}
	}
	return nil
}

func (dd *redisDefinitionDao) GetDefinition(ctx context.Context, name string) (*model.FlowDefinition, error) {
	key := dd.getNamespaceKey(DEFINITION_KEY, name)
	val, err := dd.redisClient.Get(ctx, key).Result()
	if err == rd.Nil {
		return nil, model.NotFoundError{Kind: "definition", Id: name}
	}
	if err != nil {
		logger.Error("error in getting definition", zap.String("definition", name), zap.Error(err))
		return nil, model.TransientError{Cause: err}
	}
	return dd.encoderDecoder.Decode([]byte(val))
}

func (dd *redisDefinitionDao) DeleteDefinition(ctx context.Context, name string) error {
	key := dd.getNamespaceKey(DEFINITION_KEY, name)
	if err := dd.redisClient.Del(ctx, key).Err(); err != nil {
		logger.Error("error in deleting definition", zap.String("definition", name), zap.Error(err))
		return model.TransientError{Cause: err}
	}
	return nil
}
