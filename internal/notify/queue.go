package notify

import (
	"github.com/go-faster/errors"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// RedisOpt builds asynq connection options from a redis URL. The queue lives
// in its own database, db, so it never collides with cache keys.
func RedisOpt(url string, db int) (asynq.RedisClientOpt, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return asynq.RedisClientOpt{}, errors.Wrap(err, "parse redis url")
	}
	return asynq.RedisClientOpt{
		Network:   opts.Network,
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        db,
		TLSConfig: opts.TLSConfig,
	}, nil
}
