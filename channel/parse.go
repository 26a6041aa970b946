package channel

import (
	"fmt"
	"strings"
)

// Param keys understood by Parse.
const (
	ParamTag       = "tag"
	ParamList      = "list"
	ParamOnlyMedia = "only_media"
)

// Parse turns a channel name plus optional parameters into an ID. Both the
// canonical names and the legacy stream names are accepted. Account-scoped
// channels may omit the owner, in which case the result is unbound.
func Parse(name string, params map[string]string) (ID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ID{}, fmt.Errorf("%w: empty channel name", ErrUnknownChannel)
	}
	parts := strings.Split(name, ":")
	for _, p := range parts {
		if p == "" {
			return ID{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
		}
	}

	switch parts[0] {
	case "timeline":
		if len(parts) < 2 {
			return ID{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
		}
		switch parts[1] {
		case "home":
			return parseOwned(FamilyHome, name, parts[2:])
		case "public":
			return parsePublic(name, parts[2:], params)
		}
	case "user":
		if len(parts) == 1 {
			return Home(""), nil
		}
		if parts[1] != "notification" {
			break
		}
		rest := parts[2:]
		if len(rest) > 0 && rest[0] == "unfiltered" {
			return parseOwned(FamilyNotificationUnfiltered, name, rest[1:])
		}
		return parseOwned(FamilyNotification, name, rest)
	case "direct":
		return parseOwned(FamilyDirect, name, parts[1:])
	case "public":
		return parsePublic(name, parts[1:], params)
	case "hashtag":
		return parseHashtag(name, parts[1:], params)
	case "list":
		return parseList(name, parts[1:], params)
	}
	return ID{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
}

// ParsePath maps an SSE path below the streaming base (for example
// "public/local" or "user/notification") to an ID.
func ParsePath(path string, params map[string]string) (ID, error) {
	path = strings.Trim(path, "/")
	return Parse(strings.ReplaceAll(path, "/", ":"), params)
}

func parseOwned(f Family, name string, rest []string) (ID, error) {
	switch len(rest) {
	case 0:
		return build(ID{family: f}), nil
	case 1:
		return build(ID{family: f, account: rest[0]}), nil
	}
	return ID{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
}

func parsePublic(name string, rest []string, params map[string]string) (ID, error) {
	loc := LocalityAll
	media := isTrue(params[ParamOnlyMedia])
	for i, p := range rest {
		switch {
		case p == "local" && i == 0 && loc == LocalityAll:
			loc = LocalityLocal
		case p == "remote" && i == 0 && loc == LocalityAll:
			loc = LocalityRemote
		case p == "media" && i == len(rest)-1:
			media = true
		default:
			return ID{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
		}
	}
	return Public(loc, media), nil
}

func parseHashtag(name string, rest []string, params map[string]string) (ID, error) {
	// "hashtag:local" always selects the local variant; the tag then comes
	// from the tag param or "hashtag:local:<tag>". A tag literally named
	// "local" is reached with "hashtag?tag=local".
	local := false
	if len(rest) > 0 && rest[0] == "local" {
		local = true
		rest = rest[1:]
	}
	if len(rest) > 1 {
		return ID{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	tag := NormalizeTag(params[ParamTag])
	if len(rest) == 1 {
		inName := NormalizeTag(rest[0])
		if tag != "" && tag != inName {
			return ID{}, fmt.Errorf("%w: conflicting tag %q and %q", ErrInvalidParams, inName, tag)
		}
		tag = inName
	}
	if tag == "" {
		return ID{}, fmt.Errorf("%w: missing tag", ErrInvalidParams)
	}
	return Hashtag(tag, local), nil
}

func parseList(name string, rest []string, params map[string]string) (ID, error) {
	if len(rest) > 1 {
		return ID{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	id := strings.TrimSpace(params[ParamList])
	if len(rest) == 1 {
		if id != "" && id != rest[0] {
			return ID{}, fmt.Errorf("%w: conflicting list %q and %q", ErrInvalidParams, rest[0], id)
		}
		id = rest[0]
	}
	if id == "" {
		return ID{}, fmt.Errorf("%w: missing list id", ErrInvalidParams)
	}
	return List(id), nil
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
