// Package db contains the adapters for persisting tenant credentials in redis.
package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/gwerrors"
	"github.com/parishly/pco-gateway/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	credentialPrefix         string = "credential-"
	indexExpiringCredentials string = "indexExpiringCredentials"
	connectStatePrefix       string = "connectState-"
	refreshTokenHashField    string = "RefreshTokenHash"
)

// swapCredentialScript atomically replaces a credential only if the stored
// refresh token hash still matches the hash of the refresh token that was just
// spent. A concurrent refresh that already rotated the pair makes the swap a
// no-op and the caller gets a conflict.
const swapCredentialScript = `
local current = redis.call('HGET', KEYS[1], 'RefreshTokenHash')
if current == ARGV[1] then
  redis.call('HSET', KEYS[1], 'AccessToken', ARGV[2], 'RefreshToken', ARGV[3], 'ExpiresAt', ARGV[4], 'RefreshTokenHash', ARGV[5])
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[7])
  return 1
end
return 0
`

// LimitedRedisClient is the limited set of functionality expected from the redis client in this adapter.
// This allows for easy mocking and swapping of the client. The universal redis client interface is way too big.
type LimitedRedisClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZRangeArgsWithScores(ctx context.Context, z redis.ZRangeArgs) *redis.ZSliceCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
}

// RedisAdapter persists tenant credentials and OAuth connect state in redis.
type RedisAdapter struct {
	rdb       LimitedRedisClient
	encryptor models.Encryptor
}

// hashToken produces a deterministic, non-reversible fingerprint of a token
// value. The fingerprint is what the compare-and-swap checks against, since
// the token values themselves may be encrypted with a random nonce.
func hashToken(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// serializeStruct returns a list of alternating struct fields and values
// from the provided struct.
// Used to easily save a struct as a Hash in redis. It will only deconstruct exported fields.
func (RedisAdapter) serializeStruct(strct any) []any {
	v := reflect.ValueOf(strct)
	t := v.Type()
	var output []any
	for i := 0; i < v.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		fieldName := t.Field(i).Name
		fieldValue := v.Field(i).Interface()
		output = append(output, fieldName, fieldValue)
	}
	return output
}

// deserializeToStruct takes a result from a Hash value in Redis and converts it to a struct
func (RedisAdapter) deserializeToStruct(hash map[string]string, output any) error {
	if len(hash) == 0 {
		// HGetAll returns an empty list of keys and values if the element is not present in the DB
		// then this is deserialized as the empty valued struct of whatever it is we are looking at
		return gwerrors.ErrCredentialNotFound
	}
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
			),
			WeaklyTypedInput: true,
			Result:           output,
		},
	)
	if err != nil {
		return err
	}
	return decoder.Decode(hash)
}

func (r RedisAdapter) encryptCredential(cred models.TenantCredential) (models.TenantCredential, error) {
	if r.encryptor == nil {
		return cred, nil
	}
	output := cred
	var err error
	if cred.AccessToken != "" {
		output.AccessToken, err = r.encryptor.Encrypt(cred.AccessToken)
		if err != nil {
			return models.TenantCredential{}, err
		}
	}
	if cred.RefreshToken != "" {
		output.RefreshToken, err = r.encryptor.Encrypt(cred.RefreshToken)
		if err != nil {
			return models.TenantCredential{}, err
		}
	}
	return output, nil
}

func (r RedisAdapter) decryptCredential(cred models.TenantCredential) (models.TenantCredential, error) {
	if r.encryptor == nil {
		return cred, nil
	}
	output := cred
	var err error
	if cred.AccessToken != "" {
		output.AccessToken, err = r.encryptor.Decrypt(cred.AccessToken)
		if err != nil {
			return models.TenantCredential{}, err
		}
	}
	if cred.RefreshToken != "" {
		output.RefreshToken, err = r.encryptor.Decrypt(cred.RefreshToken)
		if err != nil {
			return models.TenantCredential{}, err
		}
	}
	return output, nil
}

// GetCredential reads the credential record of a tenant from Redis.
func (r RedisAdapter) GetCredential(ctx context.Context, tenantID int) (models.TenantCredential, error) {
	raw, err := r.rdb.HGetAll(ctx, credentialPrefix+strconv.Itoa(tenantID)).Result()
	if err != nil {
		return models.TenantCredential{}, err
	}
	output := models.TenantCredential{}
	err = r.deserializeToStruct(raw, &output)
	if err != nil {
		return models.TenantCredential{}, err
	}
	return r.decryptCredential(output)
}

// SetCredential writes the full credential record of a tenant to Redis and
// maintains the expiring-credentials index used by the sweeper.
func (r RedisAdapter) SetCredential(ctx context.Context, cred models.TenantCredential) error {
	encCred, err := r.encryptCredential(cred)
	if err != nil {
		return err
	}
	values := append(r.serializeStruct(encCred), refreshTokenHashField, hashToken(cred.RefreshToken))
	err = r.rdb.HSet(ctx, credentialPrefix+strconv.Itoa(cred.TenantID), values...).Err()
	if err != nil {
		return err
	}
	return r.setToIndexExpiringCredentials(ctx, cred)
}

// SwapCredential replaces a tenant's credential pair only if the stored
// refresh token is still the one that was spent on the refresh. Returns
// gwerrors.ErrCredentialConflict when a concurrent refresh won the race.
func (r RedisAdapter) SwapCredential(ctx context.Context, spentRefreshToken string, cred models.TenantCredential) error {
	encCred, err := r.encryptCredential(cred)
	if err != nil {
		return err
	}
	expiresAt, err := cred.ExpiresAt.UTC().MarshalText()
	if err != nil {
		return err
	}
	res, err := r.rdb.Eval(
		ctx,
		swapCredentialScript,
		[]string{credentialPrefix + strconv.Itoa(cred.TenantID), indexExpiringCredentials},
		hashToken(spentRefreshToken),
		encCred.AccessToken,
		encCred.RefreshToken,
		string(expiresAt),
		hashToken(cred.RefreshToken),
		float64(cred.ExpiresAt.Unix()),
		strconv.Itoa(cred.TenantID),
	).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return gwerrors.ErrCredentialConflict
	}
	return nil
}

// ClearCredential rewrites a tenant's record with all credential fields empty,
// forcing the tenant to redo the authorization flow. The record itself is kept
// so that a cleared tenant is distinguishable from an unknown one.
func (r RedisAdapter) ClearCredential(ctx context.Context, tenantID int) error {
	cleared := models.TenantCredential{TenantID: tenantID}
	values := append(r.serializeStruct(cleared), refreshTokenHashField, "")
	err := r.rdb.HSet(ctx, credentialPrefix+strconv.Itoa(tenantID), values...).Err()
	if err != nil {
		return err
	}
	return r.rdb.ZRem(ctx, indexExpiringCredentials, strconv.Itoa(tenantID)).Err()
}

// setToIndexExpiringCredentials writes the tenant ID scored by the credential
// expiry to the expiring-credentials sorted set.
func (r RedisAdapter) setToIndexExpiringCredentials(ctx context.Context, cred models.TenantCredential) error {
	if !cred.Connected() || cred.ExpiresAt.IsZero() {
		return r.rdb.ZRem(ctx, indexExpiringCredentials, strconv.Itoa(cred.TenantID)).Err()
	}
	z1 := redis.Z{
		Score:  float64(cred.ExpiresAt.Unix()),
		Member: strconv.Itoa(cred.TenantID),
	}
	return r.rdb.ZAdd(ctx, indexExpiringCredentials, z1).Err()
}

// GetExpiringCredentialTenantIDs lists the tenants whose access tokens expire
// before the provided time.
func (r RedisAdapter) GetExpiringCredentialTenantIDs(ctx context.Context, until time.Time) ([]int, error) {
	zrangeargs := redis.ZRangeArgs{
		Key:     indexExpiringCredentials,
		Start:   float64(0),
		Stop:    float64(until.Unix()),
		ByScore: true,
	}
	zrange, err := r.rdb.ZRangeArgsWithScores(ctx, zrangeargs).Result()
	if err != nil {
		return nil, err
	}
	var tenantIDs []int
	for _, member := range zrange {
		tenantID, err := strconv.Atoi(fmt.Sprintf("%v", member.Member))
		if err != nil {
			return nil, err
		}
		tenantIDs = append(tenantIDs, tenantID)
	}
	return tenantIDs, nil
}

// SetConnectState binds a short-lived OAuth state value to a tenant ID.
func (r RedisAdapter) SetConnectState(ctx context.Context, state string, tenantID int, ttl time.Duration) error {
	return r.rdb.Set(ctx, connectStatePrefix+state, tenantID, ttl).Err()
}

// PopConnectState resolves and consumes an OAuth state value. A state can only
// be used once.
func (r RedisAdapter) PopConnectState(ctx context.Context, state string) (int, error) {
	res, err := r.rdb.GetDel(ctx, connectStatePrefix+state).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, gwerrors.ErrConnectStateNotFound
		}
		return 0, err
	}
	tenantID, err := strconv.Atoi(res)
	if err != nil {
		return 0, err
	}
	return tenantID, nil
}

type RedisAdapterOption func(*RedisAdapter) error

func WithRedisConfig(redisConfig config.RedisConfig) RedisAdapterOption {
	return func(r *RedisAdapter) error {
		switch redisConfig.Type {
		case config.DBTypeRedis:
			if redisConfig.IsSentinel {
				rdb := redis.NewFailoverClient(&redis.FailoverOptions{
					MasterName:       redisConfig.MasterName,
					SentinelAddrs:    redisConfig.Addresses,
					Password:         string(redisConfig.Password),
					DB:               redisConfig.DBIndex,
					SentinelPassword: string(redisConfig.Password),
				})
				r.rdb = rdb
				return nil
			}
			rdb := redis.NewClient(&redis.Options{
				Password: string(redisConfig.Password),
				DB:       redisConfig.DBIndex,
				Addr:     redisConfig.Addresses[0],
			})
			r.rdb = rdb
			return nil
		case config.DBTypeRedisMock:
			r.rdb = &MockRedisClient{store: map[string]any{}}
			return nil
		default:
			return fmt.Errorf("unrecognized persistence type %v", redisConfig.Type)
		}
	}
}

func WithEncryption(secretKey string) RedisAdapterOption {
	return func(r *RedisAdapter) error {
		encryptor, err := NewGCMEncryptor(secretKey)
		if err != nil {
			return err
		}
		r.encryptor = encryptor
		return nil
	}
}

// NewRedisAdapter creates a new DB adapter for Redis, if not provided as an option by default
// it will not use encryption and it will use an in-memory mock of Redis.
func NewRedisAdapter(options ...RedisAdapterOption) (RedisAdapter, error) {
	rdb := RedisAdapter{rdb: &MockRedisClient{store: map[string]any{}}}
	for _, opt := range options {
		err := opt(&rdb)
		if err != nil {
			return RedisAdapter{}, err
		}
	}
	return rdb, nil
}
