package redis

import (
	"context"
	"sort"
	"strconv"

	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"

	"github.com/mukund-aria/ai-flow-saas-sub001/logger"
	"github.com/mukund-aria/ai-flow-saas-sub001/model"
	"github.com/mukund-aria/ai-flow-saas-sub001/persistence"
	"github.com/mukund-aria/ai-flow-saas-sub001/util"
)

const RUN_KEY string = "RUN"
const EXEC_KEY string = "EXEC"
const ROTATION_KEY string = "ROTATION"

// transactAttempts bounds the optimistic retry loop before the conflict
// surfaces as a TransientError.
const transactAttempts = 5

var _ persistence.Storage = new(redisRunDao)

type redisRunDao struct {
	baseDao
	runEncDec  util.Codec[model.FlowRun]
	execEncDec util.Codec[model.StepExecution]
}

func NewRedisRunDao(conf Config) *redisRunDao {
	return &redisRunDao{
		baseDao:    *newBaseDao(conf),
		runEncDec:  util.NewJsonCodec[model.FlowRun](),
		execEncDec: util.NewJsonCodec[model.StepExecution](),
	}
}

func (dao *redisRunDao) CreateRun(ctx context.Context, state *persistence.RunState) error {
	runKey := dao.getNamespaceKey(RUN_KEY, state.Run.Id)
	execKey := dao.getNamespaceKey(EXEC_KEY, state.Run.Id)
	data, err := dao.runEncDec.Encode(state.Run)
	if err != nil {
		return model.TransientError{Cause: err}
	}
	ok, err := dao.redisClient.SetNX(ctx, runKey, data, 0).Result()
	if err != nil {
		logger.Error("error in saving run", zap.String("runId", state.Run.Id), zap.Error(err))
		return model.TransientError{Cause: err}
	}
	if !ok {
		return model.StateError{Op: "startRun", Current: "run id already exists"}
	}
	fields := make([]string, 0, len(state.Executions)*2)
	for _, exec := range state.Executions {
		encoded, err := dao.execEncDec.Encode(exec)
		if err != nil {
			return model.TransientError{Cause: err}
		}
		fields = append(fields, strconv.Itoa(exec.StepIndex), string(encoded))
	}
	if err := dao.redisClient.HSet(ctx, execKey, fields).Err(); err != nil {
		logger.Error("error in saving step executions", zap.String("runId", state.Run.Id), zap.Error(err))
		return model.TransientError{Cause: err}
	}
	return nil
}

func (dao *redisRunDao) GetRun(ctx context.Context, runId string) (*persistence.RunState, error) {
	client := dao.redisClient
	return dao.read(ctx, runId,
		func(key string) (string, error) { return client.Get(ctx, key).Result() },
		func(key string) (map[string]string, error) { return client.HGetAll(ctx, key).Result() })
}

// Transact serializes concurrent mutations of one run with an optimistic
// WATCH over the run's keys: the read of current state and the write of the
// new state commit as one MULTI/EXEC, and a concurrent writer fails the
// EXEC instead of silently double-advancing.
func (dao *redisRunDao) Transact(ctx context.Context, runId string, fn func(state *persistence.RunState) error) error {
	runKey := dao.getNamespaceKey(RUN_KEY, runId)
	execKey := dao.getNamespaceKey(EXEC_KEY, runId)
	for attempt := 0; attempt < transactAttempts; attempt++ {
		err := dao.redisClient.Watch(ctx, func(tx *rd.Tx) error {
			state, err := dao.read(ctx, runId,
				func(key string) (string, error) { return tx.Get(ctx, key).Result() },
				func(key string) (map[string]string, error) { return tx.HGetAll(ctx, key).Result() })
			if err != nil {
				return err
			}
			if err := fn(state); err != nil {
				return err
			}
			runData, err := dao.runEncDec.Encode(state.Run)
			if err != nil {
				return model.TransientError{Cause: err}
			}
			fields := make([]string, 0, len(state.Executions)*2)
			for _, exec := range state.Executions {
				encoded, err := dao.execEncDec.Encode(exec)
				if err != nil {
					return model.TransientError{Cause: err}
				}
				fields = append(fields, strconv.Itoa(exec.StepIndex), string(encoded))
			}
			_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
				pipe.Set(ctx, runKey, runData, 0)
				pipe.HSet(ctx, execKey, fields)
				return nil
			})
			return err
		}, runKey, execKey)
		if err == rd.TxFailedErr {
			logger.Debug("run transaction conflicted, retrying", zap.String("runId", runId), zap.Int("attempt", attempt+1))
			continue
		}
		return err
	}
	return model.TransientError{Cause: rd.TxFailedErr}
}

func (dao *redisRunDao) NextRotation(ctx context.Context, definition string, role string) (int64, error) {
	key := dao.getNamespaceKey(ROTATION_KEY, definition, role)
	n, err := dao.redisClient.Incr(ctx, key).Result()
	if err != nil {
		return 0, model.TransientError{Cause: err}
	}
	return n, nil
}

// read loads a run through the given command closures so the same decode
// path serves both the plain client and a watched transaction.
func (dao *redisRunDao) read(ctx context.Context, runId string, get func(key string) (string, error), hGetAll func(key string) (map[string]string, error)) (*persistence.RunState, error) {
	runKey := dao.getNamespaceKey(RUN_KEY, runId)
	execKey := dao.getNamespaceKey(EXEC_KEY, runId)
	runStr, err := get(runKey)
	if err == rd.Nil {
		return nil, model.NotFoundError{Kind: "run", Id: runId}
	}
	if err != nil {
		logger.Error("error in getting run", zap.String("runId", runId), zap.Error(err))
		return nil, model.TransientError{Cause: err}
	}
	run, err := dao.runEncDec.Decode([]byte(runStr))
	if err != nil {
		return nil, model.TransientError{Cause: err}
	}
	execMap, err := hGetAll(execKey)
	if err != nil {
		logger.Error("error in getting step executions", zap.String("runId", runId), zap.Error(err))
		return nil, model.TransientError{Cause: err}
	}
	state := &persistence.RunState{Run: *run}
	for _, encoded := range execMap {
		exec, err := dao.execEncDec.Decode([]byte(encoded))
		if err != nil {
			return nil, model.TransientError{Cause: err}
		}
		state.Executions = append(state.Executions, *exec)
	}
	sort.Slice(state.Executions, func(i, j int) bool {
		return state.Executions[i].StepIndex < state.Executions[j].StepIndex
	})
	return state, nil
}
