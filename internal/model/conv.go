package model

import "time"

// TFMillis returns a timeframe in seconds as epoch-ms span.
func TFMillis(tf int) int64 {
	return int64(tf) * 1000
}

// MsTime converts epoch ms to a UTC time.
func MsTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
