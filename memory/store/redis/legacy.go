package redis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/becomeliminal/nim-notes/core"
)

// LegacyMessage is a message saved under the plain key layout
// chat_id:<chat>:msg_id:<msg>:text, with its time under the same key
// ending in :time.
type LegacyMessage struct {
	ChatID    core.ChatID
	MessageID core.ExternalID
	Text      string
	Time      time.Time
}

var legacyTextKey = regexp.MustCompile(`^chat_id:<(-?\d+)>:msg_id:<(\d+)>:text$`)

// ScanLegacy calls fn for every message in the legacy layout. Keys that
// don't parse are skipped.
func ScanLegacy(ctx context.Context, rdb *goredis.Client, fn func(LegacyMessage) error) error {
	iter := rdb.Scan(ctx, 0, "chat_id:*:text", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		m := legacyTextKey.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		chat, _ := strconv.ParseInt(m[1], 10, 64)
		msg, _ := strconv.ParseInt(m[2], 10, 64)

		text, err := rdb.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return Classify(err)
		}

		lm := LegacyMessage{ChatID: core.ChatID(chat), MessageID: core.ExternalID(msg), Text: text}
		timeKey := fmt.Sprintf("chat_id:<%d>:msg_id:<%d>:time", chat, msg)
		if ts, err := rdb.Get(ctx, timeKey).Float64(); err == nil {
			sec := int64(ts)
			lm.Time = time.Unix(sec, int64((ts-float64(sec))*1e9)).UTC()
		}

		if err := fn(lm); err != nil {
			return err
		}
	}
	return Classify(iter.Err())
}
