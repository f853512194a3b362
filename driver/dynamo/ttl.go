package dynamo

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// isExpired checks if an item has a TTL at or before now. DynamoDB deletes
// such items lazily, so reads must hide them.
func isExpired(item map[string]types.AttributeValue, now time.Time) bool {
	ttlAttr, exists := item[attrTTL]
	if !exists {
		return false
	}
	ttlNum, ok := ttlAttr.(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(ttlNum.Value, 10, 64)
	if err != nil {
		return false
	}
	return ttl <= now.Unix()
}

// ttlFilterExpr excludes expired items from scans.
func ttlFilterExpr() string {
	return "attribute_not_exists(#ttl) OR #ttl > :now"
}

func ttlFilterNames() map[string]string {
	return map[string]string{"#ttl": attrTTL}
}

func ttlFilterValues(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{
			Value: strconv.FormatInt(now.Unix(), 10),
		},
	}
}
