package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionSnapshotKey returns the cache key for the last published state of a session
func (r *CacheKeyStruct) SessionSnapshotKey(sessionID string) string {
	return fmt.Sprintf("interview:%s:snapshot", sessionID)
}

// SessionOwnerKey returns the cache key holding the host instance that runs a session
func (r *CacheKeyStruct) SessionOwnerKey(sessionID string) string {
	return fmt.Sprintf("interview:%s:owner", sessionID)
}

// SessionEventsChannel returns the Redis PubSub channel name for a session's state changes
func (r *CacheKeyStruct) SessionEventsChannel(sessionID string) string {
	return fmt.Sprintf("interview:%s:events", sessionID)
}

var CacheKey = NewCacheKeyStruct()
