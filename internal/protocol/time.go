package protocol

import "time"

// NowMs returns the current UNIX time in milliseconds.
func NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
