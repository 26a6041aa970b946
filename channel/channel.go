// Package channel defines the client-visible channel identifiers used as
// routing keys by the bridge, the registry and access control.
//
// A channel.ID is a tagged variant: a Family plus the parameters that family
// needs (owner account, list id, hashtag, locality, media-only). IDs are
// parsed once when a client subscribes and are never re-parsed on the fan-out
// path; the canonical routing key is computed at construction time.
//
// Canonical names:
//
//	timeline:home[:<account>]
//	user:notification[:<account>]
//	user:notification:unfiltered[:<account>]
//	direct[:<account>]
//	timeline:public[:local|:remote][:media]
//	hashtag[:local]:<tag>
//	list:<id>
//
// Legacy stream names (user, public:local, hashtag with a tag param, ...) are
// accepted by Parse as well. Account-scoped IDs parsed without an explicit
// owner are unbound until BindOwner is called.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownChannel is returned for names that do not belong to any family.
	ErrUnknownChannel = errors.New("channel: unknown channel")
	// ErrInvalidParams is returned when a known family is missing a parameter or
	// carries a malformed one.
	ErrInvalidParams = errors.New("channel: invalid parameters")
)

// Family enumerates channel families.
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyHome
	FamilyNotification
	FamilyNotificationUnfiltered
	FamilyDirect
	FamilyPublic
	FamilyHashtag
	FamilyList
)

var familyNames = [...]string{
	FamilyUnknown:                "unknown",
	FamilyHome:                   "home",
	FamilyNotification:           "notification",
	FamilyNotificationUnfiltered: "notification:unfiltered",
	FamilyDirect:                 "direct",
	FamilyPublic:                 "public",
	FamilyHashtag:                "hashtag",
	FamilyList:                   "list",
}

func (f Family) String() string {
	if int(f) < len(familyNames) {
		return familyNames[f]
	}
	return familyNames[FamilyUnknown]
}

// Families returns every known family in declaration order.
func Families() []Family {
	return []Family{FamilyHome, FamilyNotification, FamilyNotificationUnfiltered, FamilyDirect, FamilyPublic, FamilyHashtag, FamilyList}
}

// ParseFamily maps a family name as printed by Family.String back to a Family.
func ParseFamily(s string) (Family, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, f := range Families() {
		if f.String() == s {
			return f, nil
		}
	}
	return FamilyUnknown, fmt.Errorf("%w: family %q", ErrUnknownChannel, s)
}

// AccountScoped reports whether channels of this family belong to a single account.
func (f Family) AccountScoped() bool {
	switch f {
	case FamilyHome, FamilyNotification, FamilyNotificationUnfiltered, FamilyDirect:
		return true
	}
	return false
}

// Public reports whether the family is readable without owning anything.
func (f Family) Public() bool {
	return f == FamilyPublic || f == FamilyHashtag
}

// Locality narrows public and hashtag channels by the origin of the status.
type Locality uint8

const (
	LocalityAll Locality = iota
	LocalityLocal
	LocalityRemote
)

// ID identifies one channel. The zero value is invalid. IDs are comparable and
// may be used as map keys.
type ID struct {
	family    Family
	account   string
	list      string
	tag       string
	locality  Locality
	onlyMedia bool
	key       string
}

// Home returns the home timeline channel of account.
func Home(account string) ID {
	return build(ID{family: FamilyHome, account: account})
}

// Notifications returns the notification channel of account.
func Notifications(account string) ID {
	return build(ID{family: FamilyNotification, account: account})
}

// UnfilteredNotifications returns the channel that also carries notifications
// held back by the account's notification policy.
func UnfilteredNotifications(account string) ID {
	return build(ID{family: FamilyNotificationUnfiltered, account: account})
}

// Direct returns the direct-conversation channel of account.
func Direct(account string) ID {
	return build(ID{family: FamilyDirect, account: account})
}

// Public returns a public timeline channel.
func Public(locality Locality, onlyMedia bool) ID {
	return build(ID{family: FamilyPublic, locality: locality, onlyMedia: onlyMedia})
}

// Hashtag returns a hashtag channel. The tag is normalized.
func Hashtag(tag string, localOnly bool) ID {
	loc := LocalityAll
	if localOnly {
		loc = LocalityLocal
	}
	return build(ID{family: FamilyHashtag, tag: NormalizeTag(tag), locality: loc})
}

// List returns the channel of the list with the given id.
func List(id string) ID {
	return build(ID{family: FamilyList, list: id})
}

func build(id ID) ID {
	id.key = id.computeKey()
	return id
}

func (id ID) computeKey() string {
	switch id.family {
	case FamilyHome:
		return joinOwner("timeline:home", id.account)
	case FamilyNotification:
		return joinOwner("user:notification", id.account)
	case FamilyNotificationUnfiltered:
		return joinOwner("user:notification:unfiltered", id.account)
	case FamilyDirect:
		return joinOwner("direct", id.account)
	case FamilyPublic:
		k := "timeline:public"
		switch id.locality {
		case LocalityLocal:
			k += ":local"
		case LocalityRemote:
			k += ":remote"
		}
		if id.onlyMedia {
			k += ":media"
		}
		return k
	case FamilyHashtag:
		if id.locality == LocalityLocal {
			return "hashtag:local:" + id.tag
		}
		return "hashtag:" + id.tag
	case FamilyList:
		return "list:" + id.list
	}
	return ""
}

func joinOwner(prefix, account string) string {
	if account == "" {
		return prefix
	}
	return prefix + ":" + account
}

func (id ID) Family() Family        { return id.family }
func (id ID) Account() string       { return id.account }
func (id ID) ListID() string        { return id.list }
func (id ID) Tag() string           { return id.tag }
func (id ID) Locality() Locality    { return id.locality }
func (id ID) OnlyMedia() bool       { return id.onlyMedia }
func (id ID) Key() string           { return id.key }
func (id ID) String() string        { return id.key }
func (id ID) IsZero() bool          { return id.family == FamilyUnknown }
func (id ID) Stream() []string      { return []string{id.key} }
func (id ID) LocalOnly() bool       { return id.locality == LocalityLocal }
func (id ID) Equal(other ID) bool   { return id == other }
func (id ID) Unbound() bool         { return id.family.AccountScoped() && id.account == "" }
func (id ID) OwnedBy(a string) bool { return id.family.AccountScoped() && a != "" && id.account == a }

// BindOwner returns id with its owner set to account when id is account
// scoped and has no explicit owner. Other IDs are returned unchanged.
func (id ID) BindOwner(account string) ID {
	if !id.Unbound() {
		return id
	}
	id.account = account
	return build(id)
}

// NormalizeTag lower-cases a hashtag and strips a leading '#'.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
}
