package ratelimit

import (
	"strings"
)

// majorResources are the top level resources whose id is part of the
// bucket: the same route on two channels has two independent limits.
var majorResources = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// Route returns the signature used to select a bucket before the server
// assigned one. Ids of major resources (and webhook tokens) are kept, every
// other id collapses to ":id", and all reaction endpoints of a message share
// one signature.
func Route(method, path string) string {
	segments, _ := split(path)
	return strings.ToUpper(method) + " /" + strings.Join(segments, "/")
}

// major returns the major parameter of path, "" when there is none.
func major(path string) string {
	_, m := split(path)
	return m
}

func split(path string) ([]string, string) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	raw := strings.Split(strings.Trim(path, "/"), "/")

	out := make([]string, 0, len(raw))
	var majorParam string
	for i := 0; i < len(raw); i++ {
		seg := raw[i]
		switch {
		case i == 1 && majorResources[raw[0]] && isID(seg):
			majorParam = raw[0] + "/" + seg
			out = append(out, seg)
		case i == 2 && raw[0] == "webhooks" && majorParam != "":
			// webhook token
			majorParam += "/" + seg
			out = append(out, seg)
		case seg == "reactions" && i > 0:
			return append(out, "reactions", "*"), majorParam
		case isID(seg):
			out = append(out, ":id")
		default:
			out = append(out, seg)
		}
	}
	return out, majorParam
}

func isID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
