package observability

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/jobsaga/internal/contract"
)

// Attribute keys
const (
	attrKind    = "kind"
	attrChannel = "channel"
	attrJobType = "job_type"
	attrOutcome = "outcome"
	attrFailed  = "failed"
)

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

// channelAttr folds reply addresses, one per request, into a single value.
func channelAttr(channel string) attribute.KeyValue {
	if strings.HasPrefix(channel, "reply.") {
		channel = "reply.{request}"
	}
	return attribute.String(attrChannel, channel)
}

func jobTypeAttr(key string) attribute.KeyValue {
	return attribute.String(attrJobType, key)
}

func outcomeAttr(o contract.Outcome) attribute.KeyValue {
	return attribute.String(attrOutcome, string(o))
}

func failedAttr(failed bool) attribute.KeyValue {
	return attribute.Bool(attrFailed, failed)
}
