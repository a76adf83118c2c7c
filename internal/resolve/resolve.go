// Package resolve decides how a local cache entry and the authoritative
// remote record are reconciled. Everything here is pure: callers perform
// the I/O a decision asks for.
package resolve

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/alexjbarnes/timesync/internal/remote"
	"github.com/alexjbarnes/timesync/internal/tables"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// PullDecision is the outcome of comparing a pulled remote record with the
// cached entry.
type PullDecision int

const (
	// PullInSync means both sides are identical. Only lastSynced moves.
	PullInSync PullDecision = iota

	// PullAdopt means the remote payload replaces the cache: either there
	// is no cache entry yet, or remote is strictly newer and nothing local
	// is unsaved.
	PullAdopt

	// PullHoldNewer means remote is strictly newer but local has unsaved
	// changes. The remote payload is kept aside for an explicit load.
	PullHoldNewer

	// PullKeepLocal means local is newer or equal, or remote carries no
	// timestamp. Local will be pushed.
	PullKeepLocal

	// PullNoRemote means the remote row does not exist.
	PullNoRemote
)

func (d PullDecision) String() string {
	switch d {
	case PullInSync:
		return "in_sync"
	case PullAdopt:
		return "adopt"
	case PullHoldNewer:
		return "hold_newer"
	case PullKeepLocal:
		return "keep_local"
	case PullNoRemote:
		return "no_remote"
	default:
		return "unknown"
	}
}

// PullInput is what the pull path knows when the remote fetch returns.
type PullInput struct {
	// HasLocal is false when no cache entry exists (first load).
	HasLocal       bool
	LocalData      json.RawMessage
	LocalTimestamp time.Time
	Unsaved        bool
	Remote         *remote.Record
}

// DecidePull picks the pull-path action.
func DecidePull(in PullInput) PullDecision {
	if in.Remote == nil {
		return PullNoRemote
	}

	if !in.HasLocal {
		return PullAdopt
	}

	if Equal(in.LocalData, in.Remote.Data) {
		return PullInSync
	}

	if in.Remote.UpdatedAt.IsZero() || in.LocalTimestamp.IsZero() {
		return PullKeepLocal
	}

	if in.Remote.UpdatedAt.After(in.LocalTimestamp) {
		if in.Unsaved {
			return PullHoldNewer
		}

		return PullAdopt
	}

	return PullKeepLocal
}

// PushDecision is the outcome of the pre-push freshness check.
type PushDecision int

const (
	// PushWrite means the local payload may be written.
	PushWrite PushDecision = iota

	// PushNoop means remote already holds the local payload.
	PushNoop

	// PushBlockEmpty means local is structurally empty while remote has
	// content: a probable stale client. Never written.
	PushBlockEmpty

	// PushBlockStale means remote was written after the local payload's
	// own timestamp. Remote is authoritative; the caller must re-pull.
	PushBlockStale
)

func (d PushDecision) String() string {
	switch d {
	case PushWrite:
		return "write"
	case PushNoop:
		return "noop"
	case PushBlockEmpty:
		return "block_empty"
	case PushBlockStale:
		return "block_stale"
	default:
		return "unknown"
	}
}

// PushInput is what the push path knows after re-fetching remote.
type PushInput struct {
	Table          tables.Name
	LocalData      json.RawMessage
	LocalTimestamp time.Time
	Remote         *remote.Record
}

// DecidePush applies the data-loss guards. The emptiness guard is checked
// before the staleness guard.
func DecidePush(in PushInput) PushDecision {
	if in.Remote == nil {
		return PushWrite
	}

	if Equal(in.LocalData, in.Remote.Data) {
		return PushNoop
	}

	if IsEmpty(in.Table, in.LocalData) && !IsEmpty(in.Table, in.Remote.Data) {
		return PushBlockEmpty
	}

	if !in.Remote.UpdatedAt.IsZero() && in.Remote.UpdatedAt.After(in.LocalTimestamp) {
		return PushBlockStale
	}

	return PushWrite
}

// Canonical re-encodes a JSON document with sorted object keys and no
// insignificant whitespace, so documents that differ only in formatting
// compare equal.
func Canonical(data json.RawMessage) ([]byte, error) {
	v, err := decode(data)
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

// Equal reports whether two payloads serialize identically. Undecodable
// payloads are compared byte for byte.
func Equal(a, b json.RawMessage) bool {
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)

	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}

	return bytes.Equal(ca, cb)
}

func decode(data json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	return v, nil
}

// metadataFields never count as content.
var metadataFields = map[string]bool{
	"id":                  true,
	"created_at":          true,
	remote.UpdatedAtField: true,
}

// IsEmpty reports whether a payload carries no meaningful content: every
// leaf is null, blank, false or zero, and every container is empty or
// holds only empty values. Key and metadata fields at the top level are
// ignored. For tables declaring content fields only those fields count.
// Undecodable payloads are not empty.
func IsEmpty(table tables.Name, data json.RawMessage) bool {
	if len(bytes.TrimSpace(data)) == 0 {
		return true
	}

	v, err := decode(data)
	if err != nil {
		return false
	}

	if obj, ok := v.(map[string]any); ok {
		trimmed := make(map[string]any, len(obj))
		for k, val := range obj {
			if metadataFields[k] || tables.IsKeyField(table, k) {
				continue
			}

			trimmed[k] = val
		}

		v = trimmed
	}

	spec, _ := tables.Lookup(table)
	if len(spec.ContentFields) > 0 {
		fields := make(map[string]bool, len(spec.ContentFields))
		for _, f := range spec.ContentFields {
			fields[f] = true
		}

		return !hasContentIn(v, fields)
	}

	return emptyValue(v)
}

func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case bool:
		return !t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 0
	case []any:
		for _, e := range t {
			if !emptyValue(e) {
				return false
			}
		}

		return true
	case map[string]any:
		for _, e := range t {
			if !emptyValue(e) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// hasContentIn reports whether any field named in fields, at any depth,
// holds a non-empty value.
func hasContentIn(v any, fields map[string]bool) bool {
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if hasContentIn(e, fields) {
				return true
			}
		}
	case map[string]any:
		for k, e := range t {
			if fields[k] && !emptyValue(e) {
				return true
			}

			if hasContentIn(e, fields) {
				return true
			}
		}
	}

	return false
}

// Diff renders a line diff between two payloads, pretty-printed with
// sorted keys. Removed lines are prefixed "- ", added lines "+ ".
func Diff(local, remoteData json.RawMessage) string {
	a := pretty(local)
	b := pretty(remoteData)

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var sb strings.Builder

	for _, d := range diffs {
		prefix := "  "

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffEqual:
		}

		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}

			sb.WriteString(prefix)
			sb.WriteString(line)

			if !strings.HasSuffix(line, "\n") {
				sb.WriteString("\n")
			}
		}
	}

	return sb.String()
}

func pretty(data json.RawMessage) string {
	v, err := decode(data)
	if err != nil {
		return string(data) + "\n"
	}

	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data) + "\n"
	}

	return string(out) + "\n"
}
