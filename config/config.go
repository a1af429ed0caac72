package config

import "github.com/mukund-aria/ai-flow-saas-sub001/analytics"

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type Config struct {
	RedisConfig          RedisStorageConfig
	HttpPort             int
	StorageType          StorageType
	ReviewTimeoutSeconds int
	EventBufferSize      int
	AuditConfig          analytics.Config
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}
