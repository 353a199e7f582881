package gateway

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// Snowflake is a unique entity id. The high 42 bits hold milliseconds since
// the platform epoch.
type Snowflake uint64

const snowflakeEpoch int64 = 1420070400000

func ParseSnowflake(s string) (Snowflake, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse snowflake %q: %w", s, err)
	}
	return Snowflake(id), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

func (s Snowflake) Time() time.Time {
	return time.UnixMilli(int64(s>>22) + snowflakeEpoch)
}

// ShardID returns the shard that receives events for a guild with this id.
func (s Snowflake) ShardID(numShards int) int {
	if numShards <= 0 {
		return 0
	}
	return int((uint64(s) >> 22) % uint64(numShards))
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

// UnmarshalJSON accepts both the quoted form used by JSON frames and the bare
// integer form produced by ETF frames.
func (s *Snowflake) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		unquoted, err := strconv.Unquote(string(data))
		if err != nil {
			return fmt.Errorf("parse snowflake %s: %w", data, err)
		}
		data = []byte(unquoted)
	}
	if len(data) == 0 {
		*s = 0
		return nil
	}
	id, err := ParseSnowflake(string(data))
	if err != nil {
		return err
	}
	*s = id
	return nil
}
