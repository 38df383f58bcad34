package store

import "fmt"

// Keys builds the bit-exact key layout from spec §6. Cross-replica
// compatibility depends on these strings never changing shape.
type Keys struct {
	Prefix string
}

func (k Keys) Stream(tenant, topic string) string {
	return fmt.Sprintf("%s:stream:%s:%s", k.Prefix, tenant, topic)
}

func (k Keys) PubChannel(tenant, topic string) string {
	return fmt.Sprintf("%s:pub:%s:%s", k.Prefix, tenant, topic)
}

func (k Keys) PubPattern() string {
	return fmt.Sprintf("%s:pub:*:*", k.Prefix)
}

func (k Keys) Seq(tenant, topic string) string {
	return fmt.Sprintf("%s:seq:%s:%s", k.Prefix, tenant, topic)
}

func (k Keys) TopicMeta(tenant, topic string) string {
	return fmt.Sprintf("%s:topic:%s:%s:meta", k.Prefix, tenant, topic)
}

func (k Keys) TopicSubscribers(tenant, topic string) string {
	return fmt.Sprintf("%s:topic:%s:%s:subscribers", k.Prefix, tenant, topic)
}

func (k Keys) SubscriberMeta(tenant, subID string) string {
	return fmt.Sprintf("%s:subscriber:%s:%s:meta", k.Prefix, tenant, subID)
}

func (k Keys) SubscriberQueue(tenant, subID, topic string) string {
	return fmt.Sprintf("%s:sub:%s:%s:topic:%s:queue", k.Prefix, tenant, subID, topic)
}

func (k Keys) RateLimit(tenant, topic string) string {
	return fmt.Sprintf("%s:rl:%s:%s", k.Prefix, tenant, topic)
}

func (k Keys) Presence(tenant, topic string) string {
	return fmt.Sprintf("%s:presence:%s:%s", k.Prefix, tenant, topic)
}

func (k Keys) ACL(topic, user string) string {
	return fmt.Sprintf("%s:acl:%s:%s", k.Prefix, topic, user)
}

// UserActionRateLimit and GlobalRateLimit are not namespaced under
// Prefix in spec §4.2 — they are process-wide, not tenant-scoped.
func UserActionRateLimit(userID, action string) string {
	return fmt.Sprintf("rate_limit:user:%s:%s", userID, action)
}

const GlobalRateLimit = "rate_limit:global"
