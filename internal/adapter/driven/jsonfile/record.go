package jsonfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
)

// document is the on-disk layout: two arrays of [key, value] pairs.
type document struct {
	Repos  []json.RawMessage `json:"repos"`
	Owners []json.RawMessage `json:"owners"`
}

type repoRecord struct {
	DefaultBranch        string      `json:"defaultBranch"`
	TrackedBranch        string      `json:"trackedBranch"`
	LastCommitSHA        string      `json:"lastCommitSha"`
	LastCommitMessage    string      `json:"lastCommitMessage,omitempty"`
	LastCommitTimestamp  epochMillis `json:"lastCommitTimestamp"`
	LastReleaseTag       *string     `json:"lastReleaseTag"`
	LastReleaseName      string      `json:"lastReleaseName,omitempty"`
	LastReleaseURL       string      `json:"lastReleaseUrl,omitempty"`
	LastReleaseTimestamp epochMillis `json:"lastReleaseTimestamp"`
	ReleaseChecked       bool        `json:"releaseChecked"`
	TrackedIndividually  *bool       `json:"trackedIndividually"`
	OwnerOfOrigin        *string     `json:"ownerOfOrigin"`
	IsEmptyRepository    bool        `json:"isEmptyRepository"`
	CreatedAt            string      `json:"createdAt"`
}

// legacyRepoRecord holds field names written by older versions of the file.
type legacyRepoRecord struct {
	Branch          string      `json:"branch"`
	AddedAt         string      `json:"addedAt"`
	LastCommitTime  epochMillis `json:"lastCommitTime"`
	LastReleaseTime epochMillis `json:"lastReleaseTime"`
	FromOwner       *string     `json:"fromOwner"`
	IsEmpty         bool        `json:"isEmpty"`
}

type ownerRecord struct {
	CreatedAt      string      `json:"createdAt"`
	LastCheckedAt  epochMillis `json:"lastCheckedAt"`
	KnownRepoCount int         `json:"knownRepoCount"`
}

func toRepoRecord(r model.TrackedRepository) repoRecord {
	rec := repoRecord{
		DefaultBranch:        r.DefaultBranch,
		TrackedBranch:        r.EffectiveBranch(),
		LastCommitSHA:        r.LastCommitSHA,
		LastCommitMessage:    r.LastCommitMessage,
		LastCommitTimestamp:  millisOf(r.LastCommitAt),
		LastReleaseName:      r.LastReleaseName,
		LastReleaseURL:       r.LastReleaseURL,
		LastReleaseTimestamp: millisOf(r.LastReleaseAt),
		ReleaseChecked:       r.ReleaseChecked,
		TrackedIndividually:  &r.TrackedIndividually,
		IsEmptyRepository:    r.IsEmpty,
		CreatedAt:            r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.LastReleaseTag != "" {
		tag := r.LastReleaseTag
		rec.LastReleaseTag = &tag
	}
	if r.OwnerOfOrigin != "" {
		owner := r.OwnerOfOrigin
		rec.OwnerOfOrigin = &owner
	}
	return rec
}

// decodeRepo reads one repository value, accepting both current and legacy
// field names. Current names win when both are present.
func decodeRepo(key string, raw json.RawMessage) (model.TrackedRepository, error) {
	var rec repoRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.TrackedRepository{}, fmt.Errorf("decoding repository %s: %w", key, err)
	}
	var legacy legacyRepoRecord
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return model.TrackedRepository{}, fmt.Errorf("decoding repository %s: %w", key, err)
	}

	repo := model.TrackedRepository{
		Key:               key,
		DefaultBranch:     rec.DefaultBranch,
		TrackedBranch:     firstNonEmpty(rec.TrackedBranch, legacy.Branch),
		LastCommitSHA:     rec.LastCommitSHA,
		LastCommitMessage: rec.LastCommitMessage,
		LastCommitAt:      firstNonZero(rec.LastCommitTimestamp, legacy.LastCommitTime).time(),
		LastReleaseName:   rec.LastReleaseName,
		LastReleaseURL:    rec.LastReleaseURL,
		LastReleaseAt:     firstNonZero(rec.LastReleaseTimestamp, legacy.LastReleaseTime).time(),
		ReleaseChecked:    rec.ReleaseChecked,
		IsEmpty:           rec.IsEmptyRepository || legacy.IsEmpty,
		CreatedAt:         parseTime(firstNonEmpty(rec.CreatedAt, legacy.AddedAt)),
	}

	if rec.LastReleaseTag != nil && *rec.LastReleaseTag != "" {
		repo.LastReleaseTag = *rec.LastReleaseTag
		// A stored tag means a lookup has already completed.
		repo.ReleaseChecked = true
	}

	switch {
	case rec.OwnerOfOrigin != nil:
		repo.OwnerOfOrigin = model.OwnerKey(*rec.OwnerOfOrigin)
	case legacy.FromOwner != nil:
		repo.OwnerOfOrigin = model.OwnerKey(*legacy.FromOwner)
	}

	if rec.TrackedIndividually != nil {
		repo.TrackedIndividually = *rec.TrackedIndividually
	} else {
		// Files that predate owner tracking only hold explicitly added repositories.
		repo.TrackedIndividually = repo.OwnerOfOrigin == ""
	}

	return repo, nil
}

func toOwnerRecord(o model.TrackedOwner) ownerRecord {
	return ownerRecord{
		CreatedAt:      o.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastCheckedAt:  millisOf(o.LastCheckedAt),
		KnownRepoCount: o.KnownRepoCount,
	}
}

func decodeOwner(login string, raw json.RawMessage) (model.TrackedOwner, error) {
	var rec ownerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.TrackedOwner{}, fmt.Errorf("decoding owner %s: %w", login, err)
	}
	return model.TrackedOwner{
		Login:          login,
		CreatedAt:      parseTime(rec.CreatedAt),
		LastCheckedAt:  rec.LastCheckedAt.time(),
		KnownRepoCount: rec.KnownRepoCount,
	}, nil
}

// splitPair decodes a ["key", {...}] element.
func splitPair(raw json.RawMessage) (string, json.RawMessage, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return "", nil, fmt.Errorf("decoding entry: %w", err)
	}
	if len(pair) != 2 {
		return "", nil, fmt.Errorf("decoding entry: expected [key, value], got %d elements", len(pair))
	}
	var key string
	if err := json.Unmarshal(pair[0], &key); err != nil {
		return "", nil, fmt.Errorf("decoding entry key: %w", err)
	}
	return key, pair[1], nil
}

// epochMillis is a Unix timestamp in milliseconds. It also accepts null, a
// numeric string or an RFC 3339 string, which older files contain.
type epochMillis int64

func (m *epochMillis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*m = 0
			return nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*m = epochMillis(n)
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parsing timestamp %q: %w", s, err)
		}
		*m = millisOf(t)
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*m = epochMillis(f)
	return nil
}

func (m epochMillis) time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

func millisOf(t time.Time) epochMillis {
	if t.IsZero() {
		return 0
	}
	return epochMillis(t.UnixMilli())
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...epochMillis) epochMillis {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
