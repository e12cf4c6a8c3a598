package rediskey

import "fmt"

// Key prefixes shared by every process writing to the same redis.
const (
	IdentityPrefix = "rewards:identity"
	DriftLockKey   = "rewards:drift:lock"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildIdentityKey returns "rewards:identity:{providerID}:{externalRef}"
func BuildIdentityKey(providerID, externalRef string) string {
	return NamespaceKey(IdentityPrefix, providerID+":"+externalRef)
}

// BuildDriftLockKey returns "rewards:drift:lock:{providerID}"
func BuildDriftLockKey(providerID string) string {
	return NamespaceKey(DriftLockKey, providerID)
}
