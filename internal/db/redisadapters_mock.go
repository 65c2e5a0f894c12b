package db

import (
	"context"
	"encoding"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// MockRedisClient implements the LimitedRedisClient interface.
// Only suitable for testing.
// The value set for the IntCmd or similar results is always 1 regardless of how many records were affected.
// Contexts and expirations are completely ignored, and Eval only understands
// the credential compare-and-swap script used by the adapter.
type MockRedisClient struct {
	store map[string]any
}

type MockRedisAdapterOption func(r *RedisAdapter)

func WithMockEncryption(key string) MockRedisAdapterOption {
	return func(r *RedisAdapter) {
		enc, err := NewGCMEncryptor(key)
		if err != nil {
			log.Fatalln(err)
		}
		r.encryptor = enc
	}
}

func NewMockRedisAdapter(options ...MockRedisAdapterOption) RedisAdapter {
	store := MockRedisClient{store: map[string]any{}}
	adapter := RedisAdapter{rdb: &store}
	for _, opt := range options {
		opt(&adapter)
	}
	return adapter
}

func convertValuesToMap(values ...any) (map[string]any, error) {
	if len(values)%2 != 0 {
		return map[string]any{}, fmt.Errorf("number of provided values must be even")
	}
	output := map[string]any{}
	for i := 0; i < len(values); i += 2 {
		key := values[i].(string)
		val := values[i+1]
		output[key] = val
	}
	return output, nil
}

func convertValueToString(val any) (string, error) {
	switch typed := val.(type) {
	case string:
		return typed, nil
	case int:
		return strconv.Itoa(typed), nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	case encoding.TextMarshaler:
		rawBytes, err := typed.MarshalText()
		if err != nil {
			return "", err
		}
		return string(rawBytes), nil
	default:
		return "", fmt.Errorf("value %v must be a string, a number or implement encoding.TextMarshaler", val)
	}
}

func (m *MockRedisClient) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	res := redis.IntCmd{}
	val, err := convertValuesToMap(values...)
	if err != nil {
		res.SetErr(err)
		return &res
	}
	existing, found := m.store[key].(map[string]any)
	if !found {
		existing = map[string]any{}
	}
	for k, v := range val {
		existing[k] = v
	}
	m.store[key] = existing
	res.SetVal(1)
	return &res
}

func (m *MockRedisClient) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	res := redis.MapStringStringCmd{}
	res.SetVal(map[string]string{})
	val, found := m.store[key]
	if !found {
		return &res
	}
	valMap1 := val.(map[string]any)
	valMap2 := map[string]string{}
	for k, v := range valMap1 {
		valString, err := convertValueToString(v)
		if err != nil {
			res.SetErr(err)
			return &res
		}
		valMap2[k] = valString
	}
	res.SetVal(valMap2)
	return &res
}

func (m *MockRedisClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(m.store, k)
	}
	res := redis.IntCmd{}
	res.SetVal(1)
	return &res
}

// zAdd updates the score of an existing member like real redis does instead of
// appending a duplicate entry.
func (m *MockRedisClient) zAdd(key string, members ...redis.Z) {
	existing, found := m.store[key].([]redis.Z)
	if !found {
		existing = []redis.Z{}
	}
	for _, member := range members {
		replaced := false
		for i := range existing {
			if existing[i].Member == member.Member {
				existing[i].Score = member.Score
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, member)
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Score < existing[j].Score })
	m.store[key] = existing
}

func (m *MockRedisClient) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	m.zAdd(key, members...)
	res := redis.IntCmd{}
	res.SetVal(1)
	return &res
}

func (m *MockRedisClient) ZRem(_ context.Context, key string, members ...any) *redis.IntCmd {
	res := redis.IntCmd{}
	val, found := m.store[key]
	if !found {
		res.SetVal(0)
		return &res
	}
	valZ := val.([]redis.Z)
	newValZ := []redis.Z{}
	for _, z := range valZ {
		var removeElem = false
		for _, member := range members {
			removeElem = removeElem || (z.Member == member)
		}
		if !removeElem {
			newValZ = append(newValZ, z)
		}
	}
	m.store[key] = newValZ
	res.SetVal(1)
	return &res
}

func (m *MockRedisClient) ZRangeArgsWithScores(_ context.Context, zrange redis.ZRangeArgs) *redis.ZSliceCmd {
	valRaw, found := m.store[zrange.Key]
	if !found {
		return &redis.ZSliceCmd{}
	}
	val := valRaw.([]redis.Z)
	res := []redis.Z{}
	for _, ival := range val {
		if ival.Score <= zrange.Stop.(float64) && ival.Score >= zrange.Start.(float64) {
			res = append(res, ival)
		}
	}
	output := redis.ZSliceCmd{}
	output.SetVal(res)
	return &output
}

// Eval emulates the credential compare-and-swap script.
func (m *MockRedisClient) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	res := redis.Cmd{}
	if len(keys) != 2 || len(args) != 7 {
		res.SetErr(fmt.Errorf("unexpected script arguments"))
		return &res
	}
	record, found := m.store[keys[0]].(map[string]any)
	if !found {
		res.SetVal(int64(0))
		return &res
	}
	currentHash, _ := record[refreshTokenHashField].(string)
	if currentHash != args[0].(string) {
		res.SetVal(int64(0))
		return &res
	}
	record["AccessToken"] = args[1].(string)
	record["RefreshToken"] = args[2].(string)
	record["ExpiresAt"] = args[3].(string)
	record[refreshTokenHashField] = args[4].(string)
	m.store[keys[0]] = record
	m.zAdd(keys[1], redis.Z{Score: args[5].(float64), Member: args[6].(string)})
	res.SetVal(int64(1))
	return &res
}

func (m *MockRedisClient) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	valString, err := convertValueToString(value)
	res := redis.StatusCmd{}
	if err != nil {
		res.SetErr(err)
		return &res
	}
	m.store[key] = valString
	res.SetVal("OK")
	return &res
}

func (m *MockRedisClient) GetDel(_ context.Context, key string) *redis.StringCmd {
	res := redis.StringCmd{}
	val, found := m.store[key]
	if !found {
		res.SetErr(redis.Nil)
		return &res
	}
	valString, err := convertValueToString(val)
	if err != nil {
		res.SetErr(err)
		return &res
	}
	delete(m.store, key)
	res.SetVal(valString)
	return &res
}
