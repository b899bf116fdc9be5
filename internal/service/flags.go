// internal/service/flags.go
package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// FlagSource answers runtime feature toggles.
type FlagSource interface {
	SMSEnabled(ctx context.Context) bool
}

// StaticFlags are fixed at startup from configuration.
type StaticFlags struct {
	SMS bool
}

func (f StaticFlags) SMSEnabled(context.Context) bool { return f.SMS }

// RedisFlags reads the SMS toggle from a Redis key so it can be flipped without
// a redeploy. A missing key, an unparseable value or a Redis error defers to Fallback.
type RedisFlags struct {
	Client   redis.Cmdable
	Key      string
	Fallback FlagSource
	Log      logrus.FieldLogger
}

func NewRedisFlags(client redis.Cmdable, key string, fallback FlagSource, log logrus.FieldLogger) *RedisFlags {
	return &RedisFlags{Client: client, Key: key, Fallback: fallback, Log: log}
}

func (f *RedisFlags) SMSEnabled(ctx context.Context) bool {
	val, err := f.Client.Get(ctx, f.Key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			f.Log.WithError(err).WithField("key", f.Key).Warn("flag lookup failed, using fallback")
		}
		return f.Fallback.SMSEnabled(ctx)
	}
	enabled, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		f.Log.WithFields(logrus.Fields{"key": f.Key, "value": val}).Warn("invalid flag value, using fallback")
		return f.Fallback.SMSEnabled(ctx)
	}
	return enabled
}
