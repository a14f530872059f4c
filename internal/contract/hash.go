package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for changing the algorithm later.
const (
	DomainAcceptedReply = "jobsaga/accepted-reply/v1"
	DomainEffect        = "jobsaga/effect/v1"
	DomainCausedEffect  = "jobsaga/caused-effect/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// AcceptedReplyID is the message id of the JobSubmissionAccepted reply for a
// job. Every re-acknowledgement of the same job carries this id, so a client
// observes exactly one distinct accepted reply per jobId.
func AcceptedReplyID(jobID string) string {
	canonical, err := MarshalCanonical(map[string]any{"job_id": jobID})
	if err != nil {
		// Strings always marshal.
		panic(fmt.Sprintf("AcceptedReplyID: %v", err))
	}
	return hashWithDomain(DomainAcceptedReply, canonical)
}

// EffectID identifies the index-th side effect recorded by the transition
// that produced the given saga version. Re-flushing an outbox after a crash
// re-sends the same ids.
func EffectID(sagaKind, correlationID string, version int64, index int) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"saga":           sagaKind,
		"correlation_id": correlationID,
		"version":        version,
		"index":          index,
	})
	if err != nil {
		return "", fmt.Errorf("EffectID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEffect, canonical), nil
}

// CausedEffectID identifies the index-th effect a saga produced for the
// message causeID without changing state, such as a re-sent grant. Every
// delivery of the same message yields the same ids.
func CausedEffectID(sagaKind, correlationID, causeID string, index int) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"saga":           sagaKind,
		"correlation_id": correlationID,
		"cause":          causeID,
		"index":          index,
	})
	if err != nil {
		return "", fmt.Errorf("CausedEffectID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainCausedEffect, canonical), nil
}
