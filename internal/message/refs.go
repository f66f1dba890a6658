package message

import "encoding/base64"

// Refs are bit-level stable: existing installations address messages by
// these exact strings, so the scheme must never change shape.

// BaseOwnID is the ref prefix shared by all rules of one engine instance.
func BaseOwnID(instance string) string {
	return "IngestStates." + instance
}

// FreshRef addresses the freshness message for a target. The target id is
// base64url-encoded because freshness predates the dotted-suffix scheme.
func FreshRef(instance, targetID string) string {
	return BaseOwnID(instance) + ".fresh." + base64.RawURLEncoding.EncodeToString([]byte(targetID))
}

// ThresholdRef addresses the threshold message for a target.
func ThresholdRef(instance, targetID string) string {
	return BaseOwnID(instance) + ".threshold." + targetID
}

// TriggeredRef addresses the reaction-window message for a target.
func TriggeredRef(instance, targetID string) string {
	return BaseOwnID(instance) + ".triggered." + targetID
}

// NonSettlingRef addresses the non-settling message for a target.
func NonSettlingRef(instance, targetID string) string {
	return BaseOwnID(instance) + ".nonsettling." + targetID
}

// SessionRef addresses the session-end message for a target.
func SessionRef(instance, targetID string) string {
	return BaseOwnID(instance) + ".session." + targetID
}

// SessionStartRef addresses the transient session-start message for a target.
func SessionStartRef(instance, targetID string) string {
	return SessionRef(instance, targetID) + "_start"
}
