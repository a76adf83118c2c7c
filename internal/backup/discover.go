package backup

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/alexjbarnes/timesync/internal/errors"
	"github.com/alexjbarnes/timesync/internal/snapshot"
)

// nameStampLayout is the capture time layout written into file names.
const nameStampLayout = "2006-01-02T15-04-05.000Z"

// stampLayouts are accepted when parsing names, most precise first.
var stampLayouts = []string{
	nameStampLayout,
	"2006-01-02T15-04-05Z",
	"2006-01-02",
}

var (
	namePattern = regexp.MustCompile(`^backup-(full|inc|incremental)-(.+)\.json$`)

	// millisPattern matches stamps whose milliseconds are dash-separated,
	// as produced by ISO strings with every ':' and '.' replaced.
	millisPattern = regexp.MustCompile(`^(.+T\d{2}-\d{2}-\d{2})-(\d{3})Z$`)
)

// Name returns the file name for a snapshot of kind captured at ts.
func Name(kind snapshot.Kind, ts time.Time) string {
	tag := "full"
	if kind == snapshot.KindIncremental {
		tag = "inc"
	}

	return fmt.Sprintf("backup-%s-%s.json", tag, ts.UTC().Format(nameStampLayout))
}

// ParseName recovers the kind and capture time from a snapshot file name.
// ok is false for names that are not snapshots. A zero time means the name
// carries no parseable timestamp.
func ParseName(name string) (kind snapshot.Kind, ts time.Time, ok bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}

	kind = snapshot.KindFull
	if m[1] != "full" {
		kind = snapshot.KindIncremental
	}

	stamp := millisPattern.ReplaceAllString(m[2], "$1.${2}Z")

	for _, layout := range stampLayouts {
		if t, err := time.Parse(layout, stamp); err == nil {
			return kind, t.UTC(), true
		}
	}

	return kind, time.Time{}, true
}

// Entry is a snapshot object with its kind and capture time resolved.
type Entry struct {
	Object
	Kind       snapshot.Kind
	CapturedAt time.Time
}

// Classify resolves every snapshot object in objs, dropping unrelated
// files. Capture time comes from the name, else the modification time.
// The result is ordered by capture time, then name.
func Classify(objs []Object) []Entry {
	var out []Entry

	for _, o := range objs {
		kind, ts, ok := ParseName(o.Name)
		if !ok {
			continue
		}

		if ts.IsZero() {
			ts = o.ModTime.UTC()
		}

		out = append(out, Entry{Object: o, Kind: kind, CapturedAt: ts})
	}

	sort.SliceStable(out, func(i, j int) bool { return entryBefore(out[i], out[j]) })

	return out
}

// entryBefore orders entries chronologically. Equal capture times fall
// back to the file name so the order is deterministic.
func entryBefore(a, b Entry) bool {
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.Before(b.CapturedAt)
	}

	return a.Name < b.Name
}

// Chain is a full snapshot and the incrementals to replay on top of it,
// oldest first.
type Chain struct {
	Full         Entry
	Incrementals []Entry
}

// Names lists the chain's files in replay order.
func (c Chain) Names() []string {
	names := []string{c.Full.Name}
	for _, e := range c.Incrementals {
		names = append(names, e.Name)
	}

	return names
}

// Discover picks the newest full snapshot and every incremental captured
// strictly after it.
func Discover(objs []Object) (Chain, error) {
	entries := Classify(objs)

	var (
		chain Chain
		found bool
	)

	for _, e := range entries {
		if e.Kind == snapshot.KindFull {
			// entries is ascending, so the last full seen is the newest.
			chain.Full = e
			found = true
		}
	}

	if !found {
		return Chain{}, errors.ErrNoFullSnapshot
	}

	for _, e := range entries {
		if e.Kind == snapshot.KindIncremental && e.CapturedAt.After(chain.Full.CapturedAt) {
			chain.Incrementals = append(chain.Incrementals, e)
		}
	}

	return chain, nil
}
